package ufs1

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/dargueta/ufstool/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGroup__ResidentReturnedAsIs(t *testing.T) {
	fs, _ := newTestFS(t)

	first, err := fs.LoadGroup(1)
	require.NoError(t, err)
	second, err := fs.LoadGroup(1)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, first.Index)
}

func TestLoadGroup__OutOfRange(t *testing.T) {
	fs, _ := newTestFS(t)

	_, err := fs.LoadGroup(2)
	assertErrno(t, errors.EINVAL, err)
	_, err = fs.LoadGroup(-1)
	assertErrno(t, errors.EINVAL, err)
}

func TestLoadGroup__BusyWhileDirty(t *testing.T) {
	fs, _ := newTestFS(t)

	cg, err := fs.LoadGroup(0)
	require.NoError(t, err)
	cg.MarkDirty()

	_, err = fs.LoadGroup(1)
	assertErrno(t, errors.EBUSY, err)

	// The dirty group is still resident and can be loaded.
	again, err := fs.LoadGroup(0)
	require.NoError(t, err)
	assert.Same(t, cg, again)

	require.NoError(t, fs.StoreGroup())
	assert.False(t, cg.IsDirty())

	other, err := fs.LoadGroup(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Index)
}

func TestStoreGroup__ChangesReachDisk(t *testing.T) {
	fs, imageBytes := newTestFS(t)

	cg, err := fs.LoadGroup(1)
	require.NoError(t, err)
	cg.InodeRotor = 77
	cg.MarkDirty()
	require.NoError(t, fs.StoreGroup())

	offset := int(fs.Superblock().groupRecord(1)) * 1024
	assert.EqualValues(t, 77, binary.LittleEndian.Uint32(imageBytes[offset+48:]), "irotor")

	reloaded := mountImage(t, imageBytes)
	cg, err = reloaded.LoadGroup(1)
	require.NoError(t, err)
	assert.EqualValues(t, 77, cg.InodeRotor)
}

func TestLoadGroup__BadMagic(t *testing.T) {
	imageBytes := formatTestImage(t, testImageSize, testFormatOptions())
	fs := mountImage(t, imageBytes)

	offset := int(fs.Superblock().groupRecord(1)) * 1024
	binary.LittleEndian.PutUint32(imageBytes[offset+4:], 0xdeadbeef)

	_, err := fs.LoadGroup(1)
	assertErrno(t, errors.EUCLEAN, err)

	_, err = fs.LoadGroup(0)
	assert.NoError(t, err, "other groups must still be loadable")
}

func TestLoadGroup__WrongIndex(t *testing.T) {
	imageBytes := formatTestImage(t, testImageSize, testFormatOptions())
	fs := mountImage(t, imageBytes)

	offset := int(fs.Superblock().groupRecord(1)) * 1024
	binary.LittleEndian.PutUint32(imageBytes[offset+12:], 0)

	_, err := fs.LoadGroup(1)
	assertErrno(t, errors.EUCLEAN, err)
}

func TestNextGroup__VisitsEveryGroup(t *testing.T) {
	fs, _ := newTestFS(t)

	indices := []int32{}
	for {
		cg, err := fs.NextGroup()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		indices = append(indices, cg.Index)
	}
	assert.Equal(t, []int32{0, 1}, indices)

	_, err := fs.NextGroup()
	assert.ErrorIs(t, err, io.EOF, "cursor should stay at the end")

	fs.ResetGroupCursor()
	cg, err := fs.NextGroup()
	require.NoError(t, err)
	assert.EqualValues(t, 0, cg.Index)
}

func TestNextGroup__AdvancesPastErrors(t *testing.T) {
	imageBytes := formatTestImage(t, testImageSize, testFormatOptions())
	fs := mountImage(t, imageBytes)

	offset := int(fs.Superblock().groupRecord(0)) * 1024
	binary.LittleEndian.PutUint32(imageBytes[offset+4:], 0)

	_, err := fs.NextGroup()
	assertErrno(t, errors.EUCLEAN, err)

	cg, err := fs.NextGroup()
	require.NoError(t, err)
	assert.EqualValues(t, 1, cg.Index)
}
