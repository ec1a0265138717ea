package ufs1

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/dargueta/ufstool/sectorio"
	"github.com/noxer/bytewriter"
)

const (
	InodeSize = 128

	NumDirect   = 12
	NumIndirect = 3

	// RootInode is the inode of the root directory. Inodes below it are
	// reserved.
	RootInode Inumber = 2
)

// Inumber is an inode number.
type Inumber uint32

// rawInode is the on-disk UFS1 inode (struct ufs1_dinode).
type rawInode struct {
	Mode          uint16
	LinkCount     int16
	OldIDs        [2]uint16
	Size          uint64
	AccessTime    int32
	AccessTimeNs  int32
	ModifiedTime  int32
	ModifiedNs    int32
	ChangedTime   int32
	ChangedTimeNs int32
	Direct        [NumDirect]int32
	Indirect      [NumIndirect]int32
	Flags         uint32
	Blocks        int32
	Generation    int32
	UID           uint32
	GID           uint32
	ModRev        uint64
}

// Inode is the in-memory form of an inode. Block pointers are fragment
// addresses; zero means the block isn't allocated.
type Inode struct {
	Number       Inumber
	Mode         uint16
	LinkCount    int16
	Size         uint64
	AccessTime   time.Time
	ModifiedTime time.Time
	ChangedTime  time.Time
	Direct       [NumDirect]c.PhysicalBlock
	Indirect     [NumIndirect]c.PhysicalBlock
	Flags        uint32
	// Blocks is the number of 512-byte sectors allocated to the inode,
	// including indirect blocks.
	Blocks     int32
	Generation int32
	UID        uint32
	GID        uint32

	oldIDs [2]uint16
	modRev uint64
	dirty  bool
}

// IsDir returns true if the inode is a directory.
func (inode *Inode) IsDir() bool {
	return inode.Mode&ufstool.S_IFMT == ufstool.S_IFDIR
}

// IsDirty returns true if the inode was changed in memory and hasn't been
// written back yet.
func (inode *Inode) IsDirty() bool {
	return inode.dirty
}

// MarkDirty flags the inode as needing to be written back.
func (inode *Inode) MarkDirty() {
	inode.dirty = true
}

func decodeInode(ino Inumber, data []byte) (*Inode, error) {
	var raw rawInode
	err := binary.Read(bytes.NewReader(data[:InodeSize]), binary.LittleEndian, &raw)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	inode := &Inode{
		Number:       ino,
		Mode:         raw.Mode,
		LinkCount:    raw.LinkCount,
		Size:         raw.Size,
		AccessTime:   time.Unix(int64(raw.AccessTime), 0),
		ModifiedTime: time.Unix(int64(raw.ModifiedTime), 0),
		ChangedTime:  time.Unix(int64(raw.ChangedTime), 0),
		Flags:        raw.Flags,
		Blocks:       raw.Blocks,
		Generation:   raw.Generation,
		UID:          raw.UID,
		GID:          raw.GID,
		oldIDs:       raw.OldIDs,
		modRev:       raw.ModRev,
	}
	for i, ptr := range raw.Direct {
		inode.Direct[i] = c.PhysicalBlock(uint32(ptr))
	}
	for i, ptr := range raw.Indirect {
		inode.Indirect[i] = c.PhysicalBlock(uint32(ptr))
	}
	return inode, nil
}

// encode writes the inode into the first InodeSize bytes of `output`.
// Sub-second timestamps are not kept.
func (inode *Inode) encode(output []byte) {
	raw := rawInode{
		Mode:         inode.Mode,
		LinkCount:    inode.LinkCount,
		OldIDs:       inode.oldIDs,
		Size:         inode.Size,
		AccessTime:   int32(inode.AccessTime.Unix()),
		ModifiedTime: int32(inode.ModifiedTime.Unix()),
		ChangedTime:  int32(inode.ChangedTime.Unix()),
		Flags:        inode.Flags,
		Blocks:       inode.Blocks,
		Generation:   inode.Generation,
		UID:          inode.UID,
		GID:          inode.GID,
		ModRev:       inode.modRev,
	}
	for i, ptr := range inode.Direct {
		raw.Direct[i] = int32(ptr)
	}
	for i, ptr := range inode.Indirect {
		raw.Indirect[i] = int32(ptr)
	}

	writer := bytewriter.New(output[:InodeSize])
	binary.Write(writer, binary.LittleEndian, &raw)
}

// checkInumber returns an EINVAL error if `ino` isn't a valid inode number.
func (fs *FileSystem) checkInumber(ino Inumber) error {
	if ino == 0 || uint64(ino) >= fs.sb.totalInodes() {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("inode %d not in range [1, %d)", ino, fs.sb.totalInodes()),
		)
	}
	return nil
}

// inodeLocation returns the sector holding inode `ino` and the inode's byte
// offset within that sector.
func (fs *FileSystem) inodeLocation(ino Inumber) (sectorio.Sector, int) {
	byteOffset := fs.sb.inodeOffset(ino) * InodeSize
	sector := fs.sb.fragToSector(fs.sb.inodeBlock(ino)) + uint64(byteOffset/sectorio.SectorSize)
	return sectorio.Sector(sector), byteOffset % sectorio.SectorSize
}

// ReadInode loads inode `ino` from disk.
func (fs *FileSystem) ReadInode(ino Inumber) (*Inode, error) {
	err := fs.checkInumber(ino)
	if err != nil {
		return nil, err
	}

	sector, offset := fs.inodeLocation(ino)
	buffer := make([]byte, sectorio.SectorSize)
	_, err = fs.device.Read(sector, buffer)
	if err != nil {
		return nil, err
	}
	return decodeInode(ino, buffer[offset:])
}

// WriteInode stores an inode back to disk. Only the sector containing it is
// rewritten.
func (fs *FileSystem) WriteInode(inode *Inode) error {
	err := fs.checkInumber(inode.Number)
	if err != nil {
		return err
	}

	sector, offset := fs.inodeLocation(inode.Number)
	buffer := make([]byte, sectorio.SectorSize)
	_, err = fs.device.Read(sector, buffer)
	if err != nil {
		return err
	}

	inode.encode(buffer[offset:])
	_, err = fs.device.Write(sector, buffer)
	if err != nil {
		return err
	}
	inode.dirty = false
	return nil
}
