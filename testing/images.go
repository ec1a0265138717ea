package testing

import (
	"testing"

	"github.com/dargueta/ufstool/sectorio"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// NewMemoryDevice returns a device backed by a zeroed in-memory image of
// `size` bytes, along with the image itself so tests can inspect or tamper with
// it directly. `size` must be a multiple of the sector size.
//
// The image can't grow; writing past its end fails.
func NewMemoryDevice(t *testing.T, size int) (*sectorio.Device, []byte) {
	require.Zerof(
		t,
		size%sectorio.SectorSize,
		"image size %d is not a multiple of the sector size",
		size,
	)

	imageBytes := make([]byte, size)
	return NewDeviceFromBytes(t, imageBytes), imageBytes
}

// NewDeviceFromBytes returns a device that reads and writes `imageBytes` in
// place.
func NewDeviceFromBytes(t *testing.T, imageBytes []byte) *sectorio.Device {
	require.Greater(t, len(imageBytes), 0, "image is empty")
	return sectorio.NewFromStream(t.Name(), bytesextra.NewReadWriteSeeker(imageBytes))
}
