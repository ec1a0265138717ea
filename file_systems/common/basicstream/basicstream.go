// Package basicstream implements a basic file-like abstraction around a
// block-oriented cache.
package basicstream

import (
	"fmt"
	"io"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	"github.com/dargueta/ufstool/file_systems/common/blockcache"
)

// BasicStream is a file-like wrapper around a BlockCache that emulates a
// subset of the functionality provided by an [os.File] instance.
type BasicStream struct {
	size     int64
	position int64
	data     *blockcache.BlockCache
	ioFlags  ufstool.IOFlags
}

var (
	_ io.Closer          = (*BasicStream)(nil)
	_ io.ReaderAt        = (*BasicStream)(nil)
	_ io.ReaderFrom      = (*BasicStream)(nil)
	_ io.ReadWriteSeeker = (*BasicStream)(nil)
	_ io.StringWriter    = (*BasicStream)(nil)
	_ io.WriterAt        = (*BasicStream)(nil)
	_ io.WriterTo        = (*BasicStream)(nil)
)

// New creates a BasicStream on top of a block cache. The `size` argument gives
// the exact size of the stream, in bytes. The only requirement for this is that
// it must be between 0 and `data.Size()` (inclusive).
//
// All relevant behaviors of [ufstool.IOFlags] are implemented. In particular:
//
//   - Read/write permissions are enforced, e.g. attempting to write a file
//     created with [ufstool.O_RDONLY] will fail with [errors.EPERM].
//   - [ufstool.O_APPEND], [ufstool.O_SYNC], and [ufstool.O_TRUNC] are obeyed.
func New(
	size int64,
	data *blockcache.BlockCache,
	flags ufstool.IOFlags,
) (*BasicStream, error) {
	maxSize := data.Size()
	if size < 0 || size > maxSize {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid stream size: %d not in the range [0, %d]",
				size,
				maxSize,
			),
		)
	}

	stream := &BasicStream{
		size:     size,
		position: 0,
		data:     data,
		ioFlags:  flags,
	}

	if flags.Truncate() {
		return stream, stream.Truncate(0)
	}
	return stream, nil
}

// Close writes out all pending changes to the underlying storage. The stream
// should not be used for I/O operations after calling this method.
func (stream *BasicStream) Close() error {
	return stream.Sync()
}

func (stream *BasicStream) Read(buffer []byte) (int, error) {
	totalRead, err := stream.ReadAt(buffer, stream.position)
	stream.position += int64(totalRead)
	return totalRead, err
}

func (stream *BasicStream) ReadAt(buffer []byte, offset int64) (int, error) {
	if !stream.ioFlags.Read() {
		return 0, errors.New(errors.EPERM)
	}
	if offset < 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative read offset %d", offset))
	}

	bufLen := int64(len(buffer))

	// Clamp the number of bytes to read to whichever is smaller; the length of
	// the buffer or the end of the file.
	var numBytesToRead int64
	if offset >= stream.size {
		return 0, io.EOF
	} else if offset+bufLen > stream.size {
		numBytesToRead = stream.size - offset
	} else {
		numBytesToRead = bufLen
	}

	nRead, err := stream.data.ReadAt(buffer[:numBytesToRead], offset)
	if err != nil {
		return nRead, err
	}

	if numBytesToRead < bufLen {
		err = io.EOF
	}
	return nRead, err
}

func (stream *BasicStream) ReadFrom(r io.Reader) (n int64, err error) {
	if !stream.ioFlags.Write() {
		return 0, errors.New(errors.EPERM)
	}

	// One block per read, so aligned copies overwrite whole blocks.
	buffer := make([]byte, stream.data.BytesPerBlock())

	totalBytesRead := int64(0)
	for {
		lastReadSize, readErr := r.Read(buffer)
		totalBytesRead += int64(lastReadSize)

		_, writeErr := stream.Write(buffer[:lastReadSize])
		if writeErr != nil {
			return totalBytesRead, writeErr
		} else if readErr == io.EOF {
			return totalBytesRead, nil
		} else if readErr != nil {
			return totalBytesRead, readErr
		}
	}
}

// Seek resets the stream pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end of the file is possible; the file will automatically be
// resized upon the first write. Attempting to read past the end of the file
// returns no data.
func (stream *BasicStream) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = stream.position + offset
	case io.SeekEnd:
		absoluteOffset = stream.size + offset
	default:
		return stream.position, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid seek origin: %d", whence))
	}

	if absoluteOffset < 0 {
		return stream.position,
			errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf(
					"result of Seek(offset=%d, whence=%d) is negative",
					offset,
					whence,
				),
			)
	}

	stream.position = absoluteOffset
	return absoluteOffset, nil
}

// Size returns the size of the file, in bytes.
func (stream *BasicStream) Size() int64 {
	return stream.size
}

// Sync writes out all pending changes to the backing storage. After calling this,
// all loaded blocks will be marked clean.
func (stream *BasicStream) Sync() error {
	return stream.data.Flush()
}

// Tell returns the current stream position. It's a more concise way of calling
// `Seek(0, io.SeekCurrent)`.
func (stream *BasicStream) Tell() int64 {
	return stream.position
}

// Truncate resizes the stream to the given number of bytes but does not move
// the stream pointer.
func (stream *BasicStream) Truncate(size int64) error {
	if !stream.ioFlags.Write() {
		return errors.New(errors.EPERM)
	}

	err := stream.resize(size)
	if err != nil {
		return err
	}

	if stream.ioFlags.Synchronous() {
		return stream.Sync()
	}
	return nil
}

// resize changes the size of the stream without checking permissions. When
// shrinking, the discarded bytes of the new last block are zeroed so that they
// read back as zeroes if the stream grows again.
func (stream *BasicStream) resize(size int64) error {
	if size < 0 {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("truncate failed: %d is not a valid file size", size),
		)
	}

	newTotalBlocks := stream.data.LengthToNumBlocks(uint64(size))
	if newTotalBlocks != stream.data.TotalBlocks() {
		err := stream.data.Resize(newTotalBlocks)
		if err != nil {
			return err
		}
	}

	if size < stream.size {
		tailEnd := stream.data.Size()
		if stream.size < tailEnd {
			tailEnd = stream.size
		}
		if tailEnd > size {
			_, err := stream.data.WriteAt(make([]byte, tailEnd-size), size)
			if err != nil {
				return err
			}
		}
	}

	stream.size = size
	return nil
}

func (stream *BasicStream) Write(buffer []byte) (int, error) {
	if !stream.ioFlags.Write() {
		return 0, errors.New(errors.EPERM)
	}

	// Force the stream pointer to the end of the file if O_APPEND was set.
	if stream.ioFlags.Append() {
		stream.position = stream.size
	}

	// NB we must call implWriteAt, not WriteAt, since WriteAt fails if the
	// O_APPEND flag is set.
	totalWritten, err := stream.implWriteAt(buffer, stream.position)
	stream.position += int64(totalWritten)
	return totalWritten, err
}

// implWriteAt implements the bulk of WriteAt with the exception that it doesn't
// check for the O_APPEND flag.
func (stream *BasicStream) implWriteAt(buffer []byte, offset int64) (int, error) {
	if !stream.ioFlags.Write() {
		return 0, errors.New(errors.EPERM)
	}
	if offset < 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative write offset %d", offset))
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	// If we're going to end up writing past the end of the stream we need to
	// grow the file first.
	end := offset + int64(len(buffer))
	if end > stream.size {
		err := stream.resize(end)
		if err != nil {
			return 0, err
		}
	}

	nWritten, err := stream.data.WriteAt(buffer, offset)
	if err != nil {
		return nWritten, err
	}

	if stream.ioFlags.Synchronous() {
		return nWritten, stream.Sync()
	}
	return nWritten, nil
}

func (stream *BasicStream) WriteAt(buffer []byte, offset int64) (int, error) {
	if stream.ioFlags.Append() {
		return 0, errors.New(errors.EPERM)
	}
	return stream.implWriteAt(buffer, offset)
}

// WriteString writes a string to the stream.
func (stream *BasicStream) WriteString(s string) (int, error) {
	return stream.Write([]byte(s))
}

func (stream *BasicStream) WriteTo(w io.Writer) (n int64, err error) {
	buffer := make([]byte, stream.data.BytesPerBlock())
	totalWritten := int64(0)

	for {
		blockSize, err := stream.Read(buffer)

		// Always write the data we've read in regardless of whether an error
		// occurred or not.
		if blockSize > 0 {
			written, writeErr := w.Write(buffer[:blockSize])
			totalWritten += int64(written)
			if writeErr != nil {
				return totalWritten, writeErr
			}
		}

		// If we hit EOF, we're done. Any other error is fatal.
		if err == io.EOF {
			return totalWritten, nil
		} else if err != nil {
			return totalWritten, err
		}
	}
}
