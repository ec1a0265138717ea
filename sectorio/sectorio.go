// Package sectorio provides sector-addressed access to a disk image.
//
// A [Device] starts out read-only. The first call that modifies the image
// transparently reopens the backing storage in read-write mode, so inspecting
// an image can never change it by accident.
package sectorio

import (
	"fmt"
	"io"
	"os"

	"github.com/dargueta/ufstool/errors"
)

// SectorSize is the size of the addressing unit of a device, in bytes. This is
// DEV_BSIZE in BSD terms.
const SectorSize = 512

// eraseChunkSize is the largest buffer Erase will allocate at once.
const eraseChunkSize = 64 * 1024

// Sector is the index of a 512-byte sector from the beginning of the image.
type Sector uint64

// Opener returns a handle to the backing storage. It's called once with
// `writable` false when the device is created, and at most once more with
// `writable` true on the first write.
type Opener func(writable bool) (io.ReadWriteSeeker, error)

// Device is a sector-addressed view of a disk image.
//
// Devices are not safe for concurrent use.
type Device struct {
	name     string
	opener   Opener
	handle   io.ReadWriteSeeker
	writable bool
}

// New creates a device that obtains its backing storage from `opener`. `name`
// is only used for messages.
func New(name string, opener Opener) (*Device, error) {
	handle, err := opener(false)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return &Device{name: name, opener: opener, handle: handle}, nil
}

// Open opens the disk image at `path` read-only. It will be reopened read-write
// the first time something is written to it.
func Open(path string) (*Device, error) {
	return New(path, func(writable bool) (io.ReadWriteSeeker, error) {
		if writable {
			return os.OpenFile(path, os.O_RDWR, 0)
		}
		return os.Open(path)
	})
}

// NewFromStream creates a device backed by an arbitrary stream, such as an
// in-memory image. The stream is used for both reading and writing; the
// reopen on first write only flips the device's writable state.
func NewFromStream(name string, stream io.ReadWriteSeeker) *Device {
	return &Device{
		name:   name,
		handle: stream,
		opener: func(writable bool) (io.ReadWriteSeeker, error) {
			return stream, nil
		},
	}
}

// Name returns the name the device was created with.
func (device *Device) Name() string {
	return device.name
}

// IsWritable returns true once the device has been reopened for writing.
func (device *Device) IsWritable() bool {
	return device.writable
}

// Size returns the size of the backing storage, in bytes.
func (device *Device) Size() (int64, error) {
	size, err := device.handle.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.ErrIOFailed.Wrap(err)
	}
	return size, nil
}

// ensureWritable reopens the backing storage for writing if it hasn't been
// already. Repeated calls are no-ops.
func (device *Device) ensureWritable() error {
	if device.writable {
		return nil
	}

	handle, err := device.opener(true)
	if err != nil {
		return errors.ErrIOFailed.Wrap(
			fmt.Errorf("reopening %s for writing: %w", device.name, err))
	}

	if handle != device.handle {
		if closer, ok := device.handle.(io.Closer); ok {
			closer.Close()
		}
	}
	device.handle = handle
	device.writable = true
	return nil
}

func (device *Device) seekToSector(sector Sector) error {
	_, err := device.handle.Seek(int64(sector)*SectorSize, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Read fills `buffer` with data beginning at `sector`. The buffer need not be
// a multiple of the sector size. A short read is an error.
func (device *Device) Read(sector Sector, buffer []byte) (int, error) {
	err := device.seekToSector(sector)
	if err != nil {
		return 0, err
	}

	nRead, err := io.ReadFull(device.handle, buffer)
	if err != nil {
		return nRead, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"read of %d bytes at sector %d failed after %d bytes: %s",
				len(buffer),
				sector,
				nRead,
				err.Error(),
			),
		)
	}
	return nRead, nil
}

// Write writes all of `buffer` beginning at `sector`, reopening the image for
// writing first if needed.
func (device *Device) Write(sector Sector, buffer []byte) (int, error) {
	err := device.ensureWritable()
	if err != nil {
		return 0, err
	}

	err = device.seekToSector(sector)
	if err != nil {
		return 0, err
	}

	nWritten, err := device.handle.Write(buffer)
	if err == nil && nWritten < len(buffer) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return nWritten, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"write of %d bytes at sector %d failed after %d bytes: %s",
				len(buffer),
				sector,
				nWritten,
				err.Error(),
			),
		)
	}
	return nWritten, nil
}

// Erase fills `count` sectors starting at `start` with null bytes. It never
// allocates more than 64 KiB at a time regardless of the size of the range.
func (device *Device) Erase(start Sector, count uint64) error {
	err := device.ensureWritable()
	if err != nil {
		return err
	}

	chunkSectors := uint64(eraseChunkSize / SectorSize)
	if count < chunkSectors {
		chunkSectors = count
	}
	zeroes := make([]byte, chunkSectors*SectorSize)

	for count > 0 {
		thisChunk := chunkSectors
		if count < thisChunk {
			thisChunk = count
		}

		_, err = device.Write(start, zeroes[:thisChunk*SectorSize])
		if err != nil {
			return err
		}
		start += Sector(thisChunk)
		count -= thisChunk
	}
	return nil
}

// Close releases the backing storage if it can be closed. The device must not
// be used afterward.
func (device *Device) Close() error {
	closer, ok := device.handle.(io.Closer)
	if !ok {
		return nil
	}

	err := closer.Close()
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}
