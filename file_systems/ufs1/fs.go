// Package ufs1 is a storage engine for 4.4BSD Fast File System (UFS1) images.
//
// A [FileSystem] is a session over one image. It owns the superblock, the
// per-group summary array, and at most one resident cylinder group, and it
// provides block and inode allocation, logical-to-physical block mapping, and
// file and directory access on top of them.
//
// Sessions are not safe for concurrent use.
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
	"github.com/sirupsen/logrus"
)

// MaxNameLength is the longest name a directory entry can hold.
const MaxNameLength = 255

// FileSystem is a mounted UFS1 image.
type FileSystem struct {
	device *sectorio.Device
	sb     *Superblock
	// groupSummaries is the summary array stored at the superblock's csaddr,
	// one entry per group.
	groupSummaries []Summary
	summariesDirty bool
	superDirty     bool

	resident    *CylinderGroup
	groupCursor int

	// indirectArena holds one block buffer per level of indirection, reused by
	// every block map traversal.
	indirectArena [NumIndirect][]byte
	log           *logrus.Entry
}

// Mount reads the superblock and summary array from `device` and returns a
// session over it. Nothing is written until something is modified.
func Mount(device *sectorio.Device) (*FileSystem, error) {
	log := logrus.WithField("image", device.Name())

	sb, err := readSuperblock(device)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		device: device,
		sb:     sb,
		log:    log,
	}
	for i := range fs.indirectArena {
		fs.indirectArena[i] = make([]byte, sb.BlockSize)
	}

	err = fs.readGroupSummaries()
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"block_size":    sb.BlockSize,
		"fragment_size": sb.FragmentSize,
		"groups":        sb.NumGroups,
		"free_blocks":   sb.Totals.FreeBlocks,
		"free_inodes":   sb.Totals.FreeInodes,
	}).Debug("mounted file system")
	return fs, nil
}

// readSuperblock finds and decodes the primary superblock. A UFS2 superblock at
// either of its usual locations is rejected with ENOTSUP.
func readSuperblock(device *sectorio.Device) (*Superblock, error) {
	buffer := make([]byte, roundUp32(superblockRecordSize, sectorio.SectorSize))
	_, err := device.Read(SuperblockOffset/sectorio.SectorSize, buffer)
	if err != nil {
		return nil, err
	}

	err = checkMagic(buffer)
	if errors.ErrnoOf(err) == errors.EMEDIUMTYPE {
		// UFS2 keeps its superblock at 64 KiB, so look there before giving up.
		alternate := make([]byte, len(buffer))
		_, altErr := device.Read(ufs2SuperblockOffset/sectorio.SectorSize, alternate)
		if altErr == nil && errors.ErrnoOf(checkMagic(alternate)) == errors.ENOTSUP {
			return nil, checkMagic(alternate)
		}
		return nil, err
	} else if err != nil {
		return nil, err
	}

	// Read the whole superblock so bytes past the decoded fields survive a
	// write-back.
	sbSize := binary.LittleEndian.Uint32(buffer[104:])
	if sbSize > uint32(len(buffer)) && sbSize <= SuperblockMaxSize {
		buffer = make([]byte, roundUp32(int32(sbSize), sectorio.SectorSize))
		_, err = device.Read(SuperblockOffset/sectorio.SectorSize, buffer)
		if err != nil {
			return nil, err
		}
	}
	return DecodeSuperblock(buffer)
}

// readGroupSummaries loads the per-group summary array.
func (fs *FileSystem) readGroupSummaries() error {
	size := int(fs.sb.NumGroups) * summaryRecordSize
	if int(fs.sb.SummarySize) < size {
		return errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf(
				"summary area is %d bytes but %d groups need %d",
				fs.sb.SummarySize,
				fs.sb.NumGroups,
				size,
			),
		)
	}

	buffer := make([]byte, size)
	_, err := fs.device.Read(
		sectorio.Sector(fs.sb.fragToSector(c.PhysicalBlock(fs.sb.SummaryAddr))), buffer)
	if err != nil {
		return err
	}

	fs.groupSummaries = make([]Summary, fs.sb.NumGroups)
	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, fs.groupSummaries)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// writeGroupSummaries stores the per-group summary array.
func (fs *FileSystem) writeGroupSummaries() error {
	buffer := make([]byte, len(fs.groupSummaries)*summaryRecordSize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, fs.groupSummaries)

	_, err := fs.device.Write(
		sectorio.Sector(fs.sb.fragToSector(c.PhysicalBlock(fs.sb.SummaryAddr))), buffer)
	return err
}

// Superblock returns the in-memory superblock. Callers must not modify it.
func (fs *FileSystem) Superblock() *Superblock {
	return fs.sb
}

// GroupSummary returns the summary array entry for group `index`.
func (fs *FileSystem) GroupSummary(index int) Summary {
	return fs.groupSummaries[index]
}

// Logger returns the logger the session writes to.
func (fs *FileSystem) Logger() *logrus.Entry {
	return fs.log
}

// applyDelta adjusts the counters of `cg`, its summary array entry, and the
// file system totals by the same amount. Every counter change goes through
// here so the three layers can't drift apart.
func (fs *FileSystem) applyDelta(cg *CylinderGroup, delta Summary) {
	cg.Summary.Add(delta)
	fs.groupSummaries[cg.Index].Add(delta)
	fs.sb.Totals.Add(delta)

	cg.dirty = true
	fs.summariesDirty = true
	fs.superDirty = true
	fs.sb.Modified = 1
}

// Flush writes the resident group if it's dirty, then the summary array and
// the superblock if anything changed.
func (fs *FileSystem) Flush() error {
	if fs.resident != nil && fs.resident.dirty {
		err := fs.StoreGroup()
		if err != nil {
			return err
		}
	}

	if fs.summariesDirty {
		err := fs.writeGroupSummaries()
		if err != nil {
			return err
		}
		fs.summariesDirty = false
	}

	if fs.superDirty {
		fs.sb.Modified = 0
		fs.sb.Time = int32(time.Now().Unix())
		_, err := fs.device.Write(SuperblockOffset/sectorio.SectorSize, fs.sb.Encode())
		if err != nil {
			return err
		}
		fs.superDirty = false
		fs.log.Debug("flushed superblock")
	}
	return nil
}

// Close flushes all pending changes and releases the device.
func (fs *FileSystem) Close() error {
	err := fs.Flush()
	if err != nil {
		return err
	}
	return fs.device.Close()
}

// Stat returns the size and free space of the file system.
func (fs *FileSystem) Stat() ufstool.FSStat {
	sb := fs.sb
	frag := int64(sb.FragsPerBlock)

	reserved := int64(sb.DataSize) * int64(sb.MinFree) / 100
	available := (int64(sb.Totals.FreeBlocks)*frag + int64(sb.Totals.FreeFragments) - reserved) / frag
	if available < 0 {
		available = 0
	}

	return ufstool.FSStat{
		BlockSize:       int64(sb.BlockSize),
		FragmentSize:    int64(sb.FragmentSize),
		TotalBlocks:     uint64(sb.DataSize) / uint64(frag),
		BlocksFree:      uint64(sb.Totals.FreeBlocks),
		FragmentsFree:   uint64(sb.Totals.FreeFragments),
		BlocksAvailable: uint64(available),
		Files:           sb.totalInodes(),
		FilesFree:       uint64(sb.Totals.FreeInodes),
		Directories:     uint64(sb.Totals.Directories),
		MaxNameLength:   MaxNameLength,
		Label:           sb.MountPointString(),
	}
}

// readBlock reads `len(buffer)` bytes starting at fragment address `addr`.
func (fs *FileSystem) readBlock(addr c.PhysicalBlock, buffer []byte) error {
	_, err := fs.device.Read(sectorio.Sector(fs.sb.fragToSector(addr)), buffer)
	return err
}

// writeBlock writes `buffer` starting at fragment address `addr`.
func (fs *FileSystem) writeBlock(addr c.PhysicalBlock, buffer []byte) error {
	_, err := fs.device.Write(sectorio.Sector(fs.sb.fragToSector(addr)), buffer)
	return err
}

// zeroBlock fills the full block at `addr` with zeroes.
func (fs *FileSystem) zeroBlock(addr c.PhysicalBlock) error {
	return fs.device.Erase(
		sectorio.Sector(fs.sb.fragToSector(addr)), uint64(fs.sb.sectorsPerBlock()))
}
