package ufs1

import (
	"fmt"

	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/sirupsen/logrus"
)

// AllocBlock allocates a full block and returns the fragment address of its
// first fragment.
//
// The block containing `preferred` is taken if it's free. Otherwise the search
// continues forward from the rotor of the preferred group, then moves on to
// the following groups. A `preferred` of 0 or past the end of the file system
// means group 0 with no specific block.
func (fs *FileSystem) AllocBlock(preferred c.PhysicalBlock) (c.PhysicalBlock, error) {
	if fs.sb.Totals.FreeBlocks <= 0 {
		return 0, errors.ErrNoSpaceOnDevice.WithMessage("no free blocks left")
	}

	startGroup := 0
	if preferred != 0 && preferred < c.PhysicalBlock(fs.sb.Size) {
		startGroup = fs.sb.groupOf(preferred)
	} else {
		preferred = 0
	}

	numGroups := int(fs.sb.NumGroups)
	for i := 0; i < numGroups; i++ {
		index := (startGroup + i) % numGroups
		if fs.groupSummaries[index].FreeBlocks <= 0 {
			continue
		}

		groupPreference := c.PhysicalBlock(0)
		if i == 0 {
			groupPreference = preferred
		}

		addr, err := fs.allocBlockInGroup(index, groupPreference)
		if err != nil {
			return 0, err
		}
		return addr, nil
	}

	return 0, errors.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf(
			"superblock claims %d free blocks but no group has any",
			fs.sb.Totals.FreeBlocks,
		),
	)
}

// allocBlockInGroup takes a free block from group `index`, preferring the one
// containing `preferred` if it's nonzero and free (alloccgblk).
func (fs *FileSystem) allocBlockInGroup(index int, preferred c.PhysicalBlock) (c.PhysicalBlock, error) {
	cg, err := fs.LoadGroup(index)
	if err != nil {
		return 0, err
	}

	fragsPerBlock := int(fs.sb.FragsPerBlock)
	base := fs.sb.groupBase(index)

	block := -1
	if preferred != 0 {
		candidate := int(preferred-base) / fragsPerBlock
		if candidate*fragsPerBlock < int(cg.NumFragments) && cg.isBlockFree(candidate, fragsPerBlock) {
			block = candidate
		}
	}
	if block < 0 {
		block = cg.findFreeBlock(int(cg.Rotor)/fragsPerBlock, fragsPerBlock)
	}
	if block < 0 {
		return 0, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf(
				"cylinder group %d claims %d free blocks but its map has none",
				index,
				cg.Summary.FreeBlocks,
			),
		)
	}

	cg.setBlock(block, fragsPerBlock, false)
	cg.clusterAccount(block, -1)
	fs.applyDelta(cg, Summary{FreeBlocks: -1})
	cg.Rotor = int32(block * fragsPerBlock)

	err = fs.StoreGroup()
	if err != nil {
		return 0, err
	}

	addr := base + c.PhysicalBlock(block*fragsPerBlock)
	fs.log.WithFields(logrus.Fields{
		"group":     index,
		"block":     addr,
		"preferred": preferred,
	}).Debug("allocated block")
	return addr, nil
}

// FreeBlock releases `size` bytes starting at fragment address `addr`. `size`
// is either the block size, or a multiple of the fragment size that doesn't
// cross a block boundary.
//
// Freeing space that is already free fails with EALREADY and changes nothing.
func (fs *FileSystem) FreeBlock(addr c.PhysicalBlock, size uint) error {
	sb := fs.sb
	if size == 0 || size > uint(sb.BlockSize) || size%uint(sb.FragmentSize) != 0 {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't free %d bytes: not a multiple of %d up to %d",
				size,
				sb.FragmentSize,
				sb.BlockSize,
			),
		)
	}

	fragsPerBlock := int(sb.FragsPerBlock)
	numFrags := int(size / uint(sb.FragmentSize))
	if addr >= c.PhysicalBlock(sb.Size) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("fragment %d is past the end of the file system (%d)", addr, sb.Size),
		)
	}

	index := sb.groupOf(addr)
	frag := int(addr - sb.groupBase(index))
	offsetInBlock := frag % fragsPerBlock
	if offsetInBlock+numFrags > fragsPerBlock {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"freeing %d fragments at %d crosses a block boundary", numFrags, addr),
		)
	}
	if addr < sb.groupDataStart(index) || frag+numFrags > sb.groupFragments(index) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("fragment %d is outside the data area of group %d", addr, index),
		)
	}

	cg, err := fs.LoadGroup(index)
	if err != nil {
		return err
	}

	if cg.anyFragmentFree(frag, numFrags) {
		return errors.NewWithMessage(
			errors.EALREADY,
			fmt.Sprintf("%d bytes at fragment %d are already free", size, addr),
		)
	}

	block := frag / fragsPerBlock
	blockStart := block * fragsPerBlock

	if numFrags == fragsPerBlock {
		cg.setBlock(block, fragsPerBlock, true)
		cg.clusterAccount(block, 1)
		fs.applyDelta(cg, Summary{FreeBlocks: 1})
	} else {
		// Take the block's old fragment runs out of the summary, free the
		// fragments, then put the new runs back.
		cg.fragmentAccount(blockStart, fragsPerBlock, -1)
		for i := 0; i < numFrags; i++ {
			cg.FreeFragments.Set(frag+i, true)
		}
		fs.applyDelta(cg, Summary{FreeFragments: int32(numFrags)})
		cg.fragmentAccount(blockStart, fragsPerBlock, 1)

		// If that completed the block, it's now counted as a block rather than
		// as loose fragments.
		if cg.isBlockFree(block, fragsPerBlock) {
			fs.applyDelta(cg, Summary{FreeFragments: -int32(fragsPerBlock), FreeBlocks: 1})
			cg.clusterAccount(block, 1)
		}
	}

	err = fs.StoreGroup()
	if err != nil {
		return err
	}

	fs.log.WithFields(logrus.Fields{
		"group": index,
		"addr":  addr,
		"size":  size,
	}).Debug("freed space")
	return nil
}
