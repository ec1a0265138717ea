package ufs1

import (
	"fmt"
	"time"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/dargueta/ufstool/file_systems/common/basicstream"
	"github.com/dargueta/ufstool/file_systems/common/blockcache"
)

// File is a byte stream over the contents of an inode. Blocks are read through
// [FileSystem.MapRead] and allocated on write through [FileSystem.MapWrite].
//
// Nothing reaches the disk until Sync or Close is called. At that point dirty
// blocks are written, and the inode's size and timestamps are updated.
type File struct {
	*basicstream.BasicStream
	fs    *FileSystem
	inode *Inode
}

// OpenFile opens inode `ino` as a stream. `flags` controls access the same way
// it does for open(2).
func (fs *FileSystem) OpenFile(ino Inumber, flags ufstool.IOFlags) (*File, error) {
	inode, err := fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if inode.Mode == 0 {
		return nil, errors.NewWithMessage(
			errors.ENOENT, fmt.Sprintf("inode %d is not allocated", ino))
	}
	return fs.openInode(inode, flags)
}

func (fs *FileSystem) openInode(inode *Inode, flags ufstool.IOFlags) (*File, error) {
	file := &File{fs: fs, inode: inode}

	blockSize := uint64(fs.sb.BlockSize)
	cache := blockcache.New(
		uint(blockSize),
		c.DivRoundUp(inode.Size, blockSize),
		file.fetchBlock,
		file.flushBlock,
		file.resizeBlocks,
	)

	stream, err := basicstream.New(int64(inode.Size), cache, flags)
	if err != nil {
		return nil, err
	}
	file.BasicStream = stream
	return file, nil
}

// Inode returns the inode backing the file. Its size is only brought up to date
// by Sync.
func (file *File) Inode() *Inode {
	return file.inode
}

func (file *File) fetchBlock(lbn c.LogicalBlock, buffer []byte) error {
	addr, err := file.fs.MapRead(file.inode, lbn)
	if err != nil {
		return err
	}
	if addr == 0 {
		for i := range buffer {
			buffer[i] = 0
		}
		return nil
	}
	return file.fs.readBlock(addr, buffer)
}

func (file *File) flushBlock(lbn c.LogicalBlock, buffer []byte) error {
	addr, err := file.fs.MapWrite(file.inode, lbn)
	if err != nil {
		return err
	}
	return file.fs.writeBlock(addr, buffer)
}

func (file *File) resizeBlocks(newTotalBlocks c.LogicalBlock) error {
	// Growing allocates nothing; new blocks are holes until they're written.
	return file.fs.TruncateBlocks(file.inode, newTotalBlocks)
}

// Sync writes all dirty blocks, then stores the file's size and modification
// time in its inode.
func (file *File) Sync() error {
	err := file.BasicStream.Sync()
	if err != nil {
		return err
	}

	size := uint64(file.Size())
	if size == file.inode.Size && !file.inode.dirty {
		return nil
	}

	now := time.Now()
	file.inode.Size = size
	file.inode.ModifiedTime = now
	file.inode.ChangedTime = now
	return file.fs.WriteInode(file.inode)
}

// Close is equivalent to Sync. The file must not be used afterward.
func (file *File) Close() error {
	return file.Sync()
}
