package ufs1

import (
	"fmt"
	"time"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/sirupsen/logrus"
)

func isDirMode(mode uint16) bool {
	return mode&ufstool.S_IFMT == ufstool.S_IFDIR
}

// AllocInode allocates an inode, writes a fresh record for it with the given
// mode, and returns its number.
//
// The search starts in the resident group (group 0 if there is none) and
// takes the first free inode in the first group that has one. Inode blocks are
// zeroed on disk the first time an inode in them is handed out.
func (fs *FileSystem) AllocInode(mode uint16) (Inumber, error) {
	if fs.sb.Totals.FreeInodes <= 0 {
		return 0, errors.ErrNoSpaceOnDevice.WithMessage("no free inodes left")
	}

	startGroup := 0
	if fs.resident != nil {
		startGroup = int(fs.resident.Index)
	}

	numGroups := int(fs.sb.NumGroups)
	for i := 0; i < numGroups; i++ {
		index := (startGroup + i) % numGroups
		if fs.groupSummaries[index].FreeInodes <= 0 {
			continue
		}
		return fs.allocInodeInGroup(index, mode)
	}

	return 0, errors.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf(
			"superblock claims %d free inodes but no group has any",
			fs.sb.Totals.FreeInodes,
		),
	)
}

func (fs *FileSystem) allocInodeInGroup(index int, mode uint16) (Inumber, error) {
	cg, err := fs.LoadGroup(index)
	if err != nil {
		return 0, err
	}

	inodesPerGroup := int(fs.sb.InodesPerGroup)
	first := 0
	if index == 0 {
		// Inode 0 means "no inode" in directory entries and must never be
		// handed out.
		first = 1
	}

	slot := -1
	for i := first; i < inodesPerGroup; i++ {
		if !cg.UsedInodes.Get(i) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf(
				"cylinder group %d claims %d free inodes but its map has none",
				index,
				cg.Summary.FreeInodes,
			),
		)
	}

	// Zero inode blocks lazily, one block's worth of inodes at a time.
	for slot >= int(cg.InitedInodes) && int(cg.InitedInodes) < inodesPerGroup {
		blockAddr := fs.sb.groupInodeTable(index) +
			c.PhysicalBlock(int(cg.InitedInodes)/int(fs.sb.InodesPerBlock)*int(fs.sb.FragsPerBlock))
		err = fs.zeroBlock(blockAddr)
		if err != nil {
			return 0, err
		}
		cg.InitedInodes += fs.sb.InodesPerBlock
		cg.dirty = true
	}

	cg.UsedInodes.Set(slot, true)
	cg.InodeRotor = int32(slot)
	delta := Summary{FreeInodes: -1}
	if isDirMode(mode) {
		delta.Directories = 1
	}
	fs.applyDelta(cg, delta)

	err = fs.StoreGroup()
	if err != nil {
		return 0, err
	}

	ino := Inumber(index*inodesPerGroup + slot)
	inode, err := fs.ReadInode(ino)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	*inode = Inode{
		Number:       ino,
		Mode:         mode,
		AccessTime:   now,
		ModifiedTime: now,
		ChangedTime:  now,
		Generation:   inode.Generation + 1,
	}
	err = fs.WriteInode(inode)
	if err != nil {
		return 0, err
	}

	fs.log.WithFields(logrus.Fields{
		"group": index,
		"inode": ino,
		"mode":  fmt.Sprintf("%#o", mode),
	}).Debug("allocated inode")
	return ino, nil
}

// FreeInode releases inode `ino`. `mode` is the mode the inode had, which
// determines whether the directory count goes down. The inode's mode is
// zeroed on disk.
func (fs *FileSystem) FreeInode(ino Inumber, mode uint16) error {
	err := fs.checkInumber(ino)
	if err != nil {
		return err
	}

	index := fs.sb.inodeGroup(ino)
	slot := int(uint32(ino) % uint32(fs.sb.InodesPerGroup))

	cg, err := fs.LoadGroup(index)
	if err != nil {
		return err
	}
	if !cg.UsedInodes.Get(slot) {
		return errors.NewWithMessage(
			errors.EALREADY, fmt.Sprintf("inode %d is already free", ino))
	}

	cg.UsedInodes.Set(slot, false)
	if slot < int(cg.InodeRotor) {
		cg.InodeRotor = int32(slot)
	}
	delta := Summary{FreeInodes: 1}
	if isDirMode(mode) {
		delta.Directories = -1
	}
	fs.applyDelta(cg, delta)

	err = fs.StoreGroup()
	if err != nil {
		return err
	}

	inode, err := fs.ReadInode(ino)
	if err != nil {
		return err
	}
	inode.Mode = 0
	inode.ChangedTime = time.Now()
	err = fs.WriteInode(inode)
	if err != nil {
		return err
	}

	fs.log.WithFields(logrus.Fields{"group": index, "inode": ino}).Debug("freed inode")
	return nil
}
