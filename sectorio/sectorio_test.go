package sectorio_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/ufstool/errors"
	"github.com/dargueta/ufstool/sectorio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func writeTempImage(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, data, 0o644), "failed to create image file")
	return path
}

func TestDevice__ReadOnlyUntilFirstWrite(t *testing.T) {
	data := bytes.Repeat([]byte{0xa5}, 4*sectorio.SectorSize)
	path := writeTempImage(t, data)

	device, err := sectorio.Open(path)
	require.NoError(t, err, "failed to open image")
	defer device.Close()

	buffer := make([]byte, sectorio.SectorSize)
	n, err := device.Read(1, buffer)
	require.NoError(t, err, "failed to read sector 1")
	assert.Equal(t, sectorio.SectorSize, n)
	assert.Equal(t, data[:sectorio.SectorSize], buffer)
	assert.False(t, device.IsWritable(), "reading must not reopen the image for writing")

	n, err = device.Write(2, bytes.Repeat([]byte{0x11}, sectorio.SectorSize))
	require.NoError(t, err, "failed to write sector 2")
	assert.Equal(t, sectorio.SectorSize, n)
	assert.True(t, device.IsWritable(), "device should be writable after first write")
	require.NoError(t, device.Close())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, sectorio.SectorSize), onDisk[1024:1536])
	assert.Equal(t, data[:1024], onDisk[:1024], "sectors 0-1 must be untouched")
}

func TestDevice__ReopenHappensOnce(t *testing.T) {
	image := make([]byte, 8*sectorio.SectorSize)
	stream := bytesextra.NewReadWriteSeeker(image)

	var calls []bool
	device, err := sectorio.New(
		"counting",
		func(writable bool) (io.ReadWriteSeeker, error) {
			calls = append(calls, writable)
			return stream, nil
		},
	)
	require.NoError(t, err)

	for i := sectorio.Sector(0); i < 4; i++ {
		_, err = device.Write(i, []byte{byte(i)})
		require.NoErrorf(t, err, "write %d failed", i)
	}
	require.NoError(t, device.Erase(4, 2))

	assert.Equal(t, []bool{false, true}, calls, "opener called wrong number of times")
}

func TestDevice__ShortReadIsIOError(t *testing.T) {
	device := sectorio.NewFromStream(
		"tiny", bytesextra.NewReadWriteSeeker(make([]byte, 2*sectorio.SectorSize)))

	buffer := make([]byte, sectorio.SectorSize*2)
	_, err := device.Read(1, buffer)
	require.Error(t, err, "reading past the end of the image should fail")
	assert.ErrorIs(t, err, errors.ErrIOFailed)
}

func TestDevice__EraseLargeRange(t *testing.T) {
	// 300 sectors is larger than one 64 KiB erase chunk and not a multiple of it.
	const totalSectors = 310
	image := bytes.Repeat([]byte{0xff}, totalSectors*sectorio.SectorSize)
	device := sectorio.NewFromStream("erase", bytesextra.NewReadWriteSeeker(image))

	require.NoError(t, device.Erase(5, 300), "erase failed")
	assert.True(t, device.IsWritable())

	assert.Equal(t, bytes.Repeat([]byte{0xff}, 5*sectorio.SectorSize), image[:5*sectorio.SectorSize])
	assert.Equal(
		t,
		make([]byte, 300*sectorio.SectorSize),
		image[5*sectorio.SectorSize:305*sectorio.SectorSize],
		"erased range isn't all zeroes",
	)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 5*sectorio.SectorSize), image[305*sectorio.SectorSize:])
}

func TestDevice__Size(t *testing.T) {
	device := sectorio.NewFromStream(
		"sized", bytesextra.NewReadWriteSeeker(make([]byte, 7*sectorio.SectorSize)))
	size, err := device.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 7*sectorio.SectorSize, size)
}
