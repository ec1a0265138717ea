package ufs1

import (
	"testing"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	diskotest "github.com/dargueta/ufstool/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The default test image: 8 MiB in two groups of 4 MiB, 4 KiB blocks and
// 1 KiB fragments.
//
// Each group has its metadata in fragments [0, 60), so 1009 data blocks.
// Group 0 also holds the summary array in fragment 60 (leaving 61-63 free as
// loose fragments) and the root directory in block 16 (fragments 64-67).
const (
	testImageSize        = 8 * 1024 * 1024
	testDataStart        = 60
	testRootBlock        = 64
	testFreeBlocks       = 2016
	testFreeFragments    = 3
	testFreeInodes       = 2*256 - 3
	testBlocksPerGroup   = 1009
	testFreeBlocksGroup0 = testBlocksPerGroup - 2
)

func testFormatOptions() FormatOptions {
	return FormatOptions{
		BlockSize:      4096,
		FragmentSize:   1024,
		InodesPerGroup: 256,
		FragsPerGroup:  4096,
	}
}

// formatTestImage formats an in-memory image and returns its bytes.
func formatTestImage(t *testing.T, size int, opts FormatOptions) []byte {
	device, imageBytes := diskotest.NewMemoryDevice(t, size)
	err := Format(device, int64(size), opts)
	require.NoError(t, err, "formatting failed")
	return imageBytes
}

// mountImage mounts an existing image in memory.
func mountImage(t *testing.T, imageBytes []byte) *FileSystem {
	fs, err := Mount(diskotest.NewDeviceFromBytes(t, imageBytes))
	require.NoError(t, err, "mounting failed")
	return fs
}

// newTestFS formats the default test image and mounts it.
func newTestFS(t *testing.T) (*FileSystem, []byte) {
	imageBytes := formatTestImage(t, testImageSize, testFormatOptions())
	return mountImage(t, imageBytes), imageBytes
}

// requireConsistent fails the test if the file system doesn't pass Check.
func requireConsistent(t *testing.T, fs *FileSystem) {
	require.NoError(t, fs.StoreGroup())
	require.NoError(t, fs.Check(), "consistency check failed")
}

func newRegularFile(t *testing.T, fs *FileSystem) *Inode {
	ino, err := fs.AllocInode(ufstool.S_IFREG | 0o644)
	require.NoError(t, err, "allocating an inode failed")

	inode, err := fs.ReadInode(ino)
	require.NoError(t, err, "reading back a new inode failed")
	return inode
}

func assertErrno(t *testing.T, expected errors.Errno, err error, msgAndArgs ...interface{}) {
	if assert.Error(t, err, msgAndArgs...) {
		assert.Equal(t, expected, errors.ErrnoOf(err), "wrong errno for error: %s", err.Error())
	}
}

func readFragments(t *testing.T, fs *FileSystem, addr c.PhysicalBlock, size int) []byte {
	buffer := make([]byte, size)
	require.NoError(t, fs.readBlock(addr, buffer))
	return buffer
}
