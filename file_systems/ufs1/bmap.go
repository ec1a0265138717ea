package ufs1

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
)

// indirectPath describes how to reach a logical block through the indirect
// blocks of an inode.
type indirectPath struct {
	// level is 1 for single indirection, 2 for double, and 3 for triple.
	level int
	// indices[i] is the pointer to follow in the indirect block at depth i,
	// counting from the inode.
	indices [NumIndirect]uint64
}

// pathToBlock computes the indirection level and per-level indices for a
// logical block past the direct range (getlbns).
func (fs *FileSystem) pathToBlock(lbn c.LogicalBlock) (indirectPath, error) {
	var path indirectPath
	pointersPerBlock := uint64(fs.sb.PointersPerBlock)

	remaining := uint64(lbn) - NumDirect
	blocksAtLevel := uint64(1)
	level := 0
	for ; level < NumIndirect; level++ {
		blocksAtLevel *= pointersPerBlock
		if remaining < blocksAtLevel {
			break
		}
		remaining -= blocksAtLevel
	}
	if level == NumIndirect {
		return path, errors.NewWithMessage(
			errors.EFBIG,
			fmt.Sprintf("logical block %d is past the triple indirect range", lbn),
		)
	}

	path.level = level + 1
	for depth := 0; depth < path.level; depth++ {
		blocksAtLevel /= pointersPerBlock
		path.indices[depth] = remaining / blocksAtLevel
		remaining %= blocksAtLevel
	}
	return path, nil
}

func getPointer(block []byte, index uint64) c.PhysicalBlock {
	return c.PhysicalBlock(binary.LittleEndian.Uint32(block[index*4:]))
}

func putPointer(block []byte, index uint64, addr c.PhysicalBlock) {
	binary.LittleEndian.PutUint32(block[index*4:], uint32(addr))
}

// MapRead returns the fragment address of logical block `lbn` of `inode`, or 0
// if the block is a hole. Nothing is allocated.
func (fs *FileSystem) MapRead(inode *Inode, lbn c.LogicalBlock) (c.PhysicalBlock, error) {
	if lbn < NumDirect {
		return inode.Direct[lbn], nil
	}

	path, err := fs.pathToBlock(lbn)
	if err != nil {
		return 0, err
	}

	addr := inode.Indirect[path.level-1]
	for depth := 0; depth < path.level; depth++ {
		if addr == 0 {
			return 0, nil
		}

		buffer := fs.indirectArena[depth]
		err = fs.readBlock(addr, buffer)
		if err != nil {
			return 0, err
		}
		addr = getPointer(buffer, path.indices[depth])
	}
	return addr, nil
}

// blockPreference picks where to try to put a new block: right after the
// previous pointer if there is one, otherwise at the start of the inode's
// group's data area (blkpref).
func (fs *FileSystem) blockPreference(inode *Inode, previous c.PhysicalBlock) c.PhysicalBlock {
	if previous != 0 {
		return previous + c.PhysicalBlock(fs.sb.FragsPerBlock)
	}
	return fs.sb.groupDataStart(fs.sb.inodeGroup(inode.Number))
}

// allocForInode allocates a block on behalf of `inode` and charges it to the
// inode's block count.
func (fs *FileSystem) allocForInode(inode *Inode, preferred c.PhysicalBlock) (c.PhysicalBlock, error) {
	addr, err := fs.AllocBlock(preferred)
	if err != nil {
		return 0, err
	}
	inode.Blocks += fs.sb.sectorsPerBlock()
	inode.dirty = true
	return addr, nil
}

// MapWrite returns the fragment address of logical block `lbn` of `inode`,
// allocating the data block and any missing indirect blocks along the way.
//
// New indirect blocks are zeroed on disk, and each indirect block that gains a
// pointer is written back immediately. The data block itself is not zeroed.
// Changes to the inode's own pointers only mark it dirty; the caller must
// write it.
func (fs *FileSystem) MapWrite(inode *Inode, lbn c.LogicalBlock) (c.PhysicalBlock, error) {
	if lbn < NumDirect {
		if inode.Direct[lbn] != 0 {
			return inode.Direct[lbn], nil
		}

		previous := c.PhysicalBlock(0)
		if lbn > 0 {
			previous = inode.Direct[lbn-1]
		}
		addr, err := fs.allocForInode(inode, fs.blockPreference(inode, previous))
		if err != nil {
			return 0, err
		}
		inode.Direct[lbn] = addr
		return addr, nil
	}

	path, err := fs.pathToBlock(lbn)
	if err != nil {
		return 0, err
	}

	// `fresh` is true if the block at `addr` was just allocated and zeroed, so
	// there's no need to read it.
	fresh := false
	addr := inode.Indirect[path.level-1]
	if addr == 0 {
		addr, err = fs.allocForInode(inode, fs.blockPreference(inode, inode.Direct[NumDirect-1]))
		if err != nil {
			return 0, err
		}
		err = fs.zeroBlock(addr)
		if err != nil {
			return 0, err
		}
		inode.Indirect[path.level-1] = addr
		fresh = true
	}

	for depth := 0; depth < path.level; depth++ {
		buffer := fs.indirectArena[depth]
		if fresh {
			for i := range buffer {
				buffer[i] = 0
			}
		} else {
			err = fs.readBlock(addr, buffer)
			if err != nil {
				return 0, err
			}
		}

		index := path.indices[depth]
		next := getPointer(buffer, index)
		fresh = false

		if next == 0 {
			previous := addr
			if index > 0 && getPointer(buffer, index-1) != 0 {
				previous = getPointer(buffer, index-1)
			}

			next, err = fs.allocForInode(inode, fs.blockPreference(inode, previous))
			if err != nil {
				return 0, err
			}

			if depth < path.level-1 {
				err = fs.zeroBlock(next)
				if err != nil {
					return 0, err
				}
				fresh = true
			}

			putPointer(buffer, index, next)
			err = fs.writeBlock(addr, buffer)
			if err != nil {
				return 0, err
			}
		}
		addr = next
	}
	return addr, nil
}

// TruncateBlocks frees every data and indirect block of `inode` that holds
// logical blocks `firstLbn` and later. The inode is marked dirty if anything
// was freed; the caller must write it.
func (fs *FileSystem) TruncateBlocks(inode *Inode, firstLbn c.LogicalBlock) error {
	blockSize := uint(fs.sb.BlockSize)

	for lbn := firstLbn; lbn < NumDirect; lbn++ {
		if inode.Direct[lbn] == 0 {
			continue
		}
		err := fs.FreeBlock(inode.Direct[lbn], blockSize)
		if err != nil {
			return err
		}
		inode.Direct[lbn] = 0
		inode.Blocks -= fs.sb.sectorsPerBlock()
		inode.dirty = true
	}

	pointersPerBlock := uint64(fs.sb.PointersPerBlock)
	levelStart := uint64(NumDirect)
	entrySpan := uint64(1)
	for level := 0; level < NumIndirect; level++ {
		levelSpan := entrySpan * pointersPerBlock
		addr := inode.Indirect[level]
		if addr != 0 && levelStart+levelSpan > uint64(firstLbn) {
			empty, err := fs.truncateIndirect(inode, addr, level, 0, levelStart, uint64(firstLbn))
			if err != nil {
				return err
			}
			if empty {
				err = fs.FreeBlock(addr, blockSize)
				if err != nil {
					return err
				}
				inode.Indirect[level] = 0
				inode.Blocks -= fs.sb.sectorsPerBlock()
				inode.dirty = true
			}
		}
		levelStart += levelSpan
		entrySpan = levelSpan
	}
	return nil
}

// truncateIndirect frees everything reachable from the indirect block at
// `addr` that covers logical blocks `firstLbn` and later. `height` is 0 if the
// block points at data blocks, 1 if it points at single indirect blocks, and
// so on. `baseLbn` is the first logical block the indirect block covers.
//
// It returns true if the block no longer points at anything, in which case the
// caller frees it. Otherwise the updated block is written back.
func (fs *FileSystem) truncateIndirect(
	inode *Inode,
	addr c.PhysicalBlock,
	height int,
	depth int,
	baseLbn uint64,
	firstLbn uint64,
) (bool, error) {
	pointersPerBlock := uint64(fs.sb.PointersPerBlock)
	entrySpan := uint64(1)
	for i := 0; i < height; i++ {
		entrySpan *= pointersPerBlock
	}

	// Each depth has its own arena slot, so recursing doesn't clobber this
	// block's buffer.
	buffer := fs.indirectArena[depth]
	err := fs.readBlock(addr, buffer)
	if err != nil {
		return false, err
	}

	empty := true
	modified := false
	for i := uint64(0); i < pointersPerBlock; i++ {
		child := getPointer(buffer, i)
		if child == 0 {
			continue
		}

		entryStart := baseLbn + i*entrySpan
		if entryStart+entrySpan <= firstLbn {
			empty = false
			continue
		}

		if height > 0 {
			childEmpty, err := fs.truncateIndirect(
				inode, child, height-1, depth+1, entryStart, firstLbn)
			if err != nil {
				return false, err
			}
			if !childEmpty {
				empty = false
				continue
			}
		}

		err = fs.FreeBlock(child, uint(fs.sb.BlockSize))
		if err != nil {
			return false, err
		}
		putPointer(buffer, i, 0)
		inode.Blocks -= fs.sb.sectorsPerBlock()
		inode.dirty = true
		modified = true
	}

	if modified && !empty {
		err = fs.writeBlock(addr, buffer)
		if err != nil {
			return false, err
		}
	}
	return empty, nil
}
