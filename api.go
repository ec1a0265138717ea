// Package ufstool is a toolkit for inspecting and modifying BSD Fast File System
// (UFS1) disk images without mounting them.
//
// The storage engine lives in [github.com/dargueta/ufstool/file_systems/ufs1];
// this package holds definitions shared with its callers.
package ufstool

// FSStat is a platform-independent form of statfs(2), describing the size and
// free space of a file system.
type FSStat struct {
	// BlockSize is the size of a full block, in bytes.
	BlockSize int64
	// FragmentSize is the size of the smallest allocatable unit, in bytes.
	FragmentSize int64
	// TotalBlocks is the number of data blocks in the file system, in units of
	// BlockSize. It excludes metadata such as inode tables.
	TotalBlocks uint64
	// BlocksFree is the number of whole blocks available.
	BlocksFree uint64
	// FragmentsFree is the number of free fragments that are not part of a free
	// whole block.
	FragmentsFree uint64
	// BlocksAvailable is the number of blocks available to unprivileged users,
	// i.e. BlocksFree minus the reserve.
	BlocksAvailable uint64
	// Files is the total number of inodes.
	Files uint64
	// FilesFree is the number of unallocated inodes.
	FilesFree uint64
	// Directories is the number of allocated directory inodes.
	Directories   uint64
	MaxNameLength int64
	// Label is the last mount point recorded in the superblock, if any.
	Label string
}
