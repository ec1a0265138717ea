package basicstream_test

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/dargueta/ufstool"
	ufserrors "github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/dargueta/ufstool/file_systems/common/basicstream"
	diskotest "github.com/dargueta/ufstool/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSparseStream returns a read-write stream over empty sparse storage.
func newSparseStream(
	t *testing.T, bytesPerBlock uint,
) (*basicstream.BasicStream, *diskotest.SparseStorage) {
	cache, storage := diskotest.CreateResizableCache(bytesPerBlock, t)
	stream, err := basicstream.New(0, cache, ufstool.O_RDWR)
	require.NoError(t, err, "couldn't create stream")
	return stream, storage
}

func TestBasicStream__ReadAtOffsets(t *testing.T) {
	data := diskotest.CreateRandomImage(128, 16, t)
	cache := diskotest.CreateDefaultCache(128, 16, false, data, t)
	stream, err := basicstream.New(cache.Size(), cache, ufstool.O_RDONLY)
	require.NoError(t, err)

	for _, offset := range []int64{0, 90, 128, 300, 2047} {
		for _, size := range []int{1, 39, 128, 829} {
			t.Run(fmt.Sprintf("Offset_%d_Size_%d", offset, size), func(t *testing.T) {
				expectedSize := size
				if offset+int64(size) > cache.Size() {
					expectedSize = int(cache.Size() - offset)
				}

				buffer := make([]byte, size)
				n, err := stream.ReadAt(buffer, offset)
				if expectedSize < size {
					assert.ErrorIs(t, err, io.EOF)
				} else {
					assert.NoError(t, err)
				}
				require.Equal(t, expectedSize, n)
				assert.True(
					t,
					bytes.Equal(data[offset:offset+int64(n)], buffer[:n]),
					"bytes read at %d don't match the image",
					offset)
			})
		}
	}
}

func TestBasicStream__Seek(t *testing.T) {
	cache := diskotest.CreateDefaultCache(128, 8, false, nil, t)
	stream, err := basicstream.New(cache.Size(), cache, ufstool.O_RDONLY)
	require.NoError(t, err)
	end := cache.Size()

	steps := []struct {
		offset   int64
		whence   int
		expected int64
	}{
		{10, io.SeekStart, 10},
		{-3, io.SeekCurrent, 7},
		{0, io.SeekCurrent, 7},
		{-39, io.SeekEnd, end - 39},
		{102, io.SeekCurrent, end + 63},
		{-17, io.SeekCurrent, end + 46},
		{0, io.SeekStart, 0},
	}
	for i, step := range steps {
		where, err := stream.Seek(step.offset, step.whence)
		require.NoErrorf(t, err, "seek %d failed", i)
		assert.Equalf(t, step.expected, where, "seek %d returned the wrong offset", i)
		assert.Equalf(t, step.expected, stream.Tell(), "seek %d: Tell() disagrees", i)
	}

	_, err = stream.Seek(-1, io.SeekStart)
	assert.Error(t, err, "seeking before the start must fail")
	_, err = stream.Seek(0, 42)
	assert.Error(t, err, "bad whence must fail")
}

// Sequential reads of random sizes must walk the stream without gaps.
func TestBasicStream__SequentialReads(t *testing.T) {
	data := diskotest.CreateRandomImage(64, 8, t)
	cache := diskotest.CreateDefaultCache(64, 8, false, data, t)
	stream, err := basicstream.New(cache.Size(), cache, ufstool.O_RDONLY)
	require.NoError(t, err)

	var output []byte
	for len(output) < len(data) {
		buffer := make([]byte, 1+rand.Intn(100))
		n, err := stream.Read(buffer)
		output = append(output, buffer[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.EqualValues(t, len(output), stream.Tell())
	}
	assert.Equal(t, data, output)
}

// Blocks never written to read back as zeroes and are never stored, the way
// holes in a file behave.
func TestBasicStream__HolesReadAsZeroes(t *testing.T) {
	stream, storage := newSparseStream(t, 64)

	_, err := stream.WriteAt([]byte("first"), 0)
	require.NoError(t, err)
	_, err = stream.WriteAt([]byte("last"), 64*9+10)
	require.NoError(t, err)
	require.NoError(t, stream.Sync())

	assert.EqualValues(t, 64*9+14, stream.Size())
	assert.EqualValues(t, 10, storage.TotalBlocks)
	assert.Len(t, storage.Blocks, 2, "only the two written blocks should be stored")
	assert.Contains(t, storage.Blocks, c.LogicalBlock(0))
	assert.Contains(t, storage.Blocks, c.LogicalBlock(9))

	hole := make([]byte, 64*8)
	n, err := stream.ReadAt(hole, 64)
	require.NoError(t, err)
	assert.Equal(t, len(hole), n)
	assert.Equal(t, make([]byte, len(hole)), hole)

	// Reading a hole doesn't make it dirty.
	require.NoError(t, stream.Sync())
	assert.Len(t, storage.Blocks, 2, "reading holes must not store them")
}

// Rewriting part of a block that was stored earlier keeps the rest of the
// block intact.
func TestBasicStream__PartialOverwrite(t *testing.T) {
	stream, storage := newSparseStream(t, 32)

	_, err := stream.WriteString(strings.Repeat("a", 64))
	require.NoError(t, err)
	require.NoError(t, stream.Sync())

	_, err = stream.WriteAt([]byte("BB"), 40)
	require.NoError(t, err)
	require.NoError(t, stream.Sync())

	expected := []byte(strings.Repeat("a", 8) + "BB" + strings.Repeat("a", 22))
	assert.Equal(t, expected, storage.Blocks[1])
	assert.Equal(t, []byte(strings.Repeat("a", 32)), storage.Blocks[0])
}

// Shrinking a sparse stream to zero releases all of its storage.
func TestBasicStream__TruncateToZeroReleasesStorage(t *testing.T) {
	stream, storage := newSparseStream(t, 64)

	_, err := stream.WriteAt([]byte("data"), 64*5)
	require.NoError(t, err)
	require.NoError(t, stream.Sync())
	require.Len(t, storage.Blocks, 1)

	require.NoError(t, stream.Truncate(0))
	assert.Zero(t, stream.Size())
	assert.Zero(t, storage.TotalBlocks)
	assert.Empty(t, storage.Blocks)

	n, err := stream.ReadAt(make([]byte, 4), 0)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBasicStream__ReadFrom(t *testing.T) {
	stream, storage := newSparseStream(t, 64)
	payload := diskotest.CreateRandomImage(50, 3, t)

	n, err := stream.ReadFrom(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.EqualValues(t, len(payload), stream.Size())
	assert.EqualValues(t, len(payload), stream.Tell())

	require.NoError(t, stream.Sync())
	assert.Len(t, storage.Blocks, 3)

	buffer := make([]byte, len(payload))
	_, err = stream.ReadAt(buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buffer)
}

// Writing past the end grows the stream, and the gap reads back as zeroes.
func TestBasicStream__WriteGrowsStream(t *testing.T) {
	cache, storage := diskotest.CreateResizableCache(64, t)
	stream, err := basicstream.New(0, cache, ufstool.O_RDWR)
	require.NoError(t, err)

	_, err = stream.Seek(100, io.SeekStart)
	require.NoError(t, err)
	n, err := stream.WriteString("hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 105, stream.Size())
	assert.EqualValues(t, 2, cache.TotalBlocks())

	buffer := make([]byte, 105)
	n, err = stream.ReadAt(buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, 105, n)
	assert.Equal(t, make([]byte, 100), buffer[:100])
	assert.Equal(t, []byte("hello"), buffer[100:])

	require.NoError(t, stream.Close())
	assert.Len(t, storage.Blocks, 1, "only the written block should be flushed")
	assert.Contains(t, storage.Blocks, c.LogicalBlock(1))
}

// Shrinking and then growing again must not resurrect the old bytes.
func TestBasicStream__TruncateZeroesTail(t *testing.T) {
	cache, storage := diskotest.CreateResizableCache(64, t)
	stream, err := basicstream.New(0, cache, ufstool.O_RDWR)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xab}, 200)
	_, err = stream.Write(payload)
	require.NoError(t, err)
	require.NoError(t, stream.Sync())
	assert.EqualValues(t, 4, storage.TotalBlocks)

	require.NoError(t, stream.Truncate(70))
	assert.EqualValues(t, 70, stream.Size())
	assert.EqualValues(t, 2, storage.TotalBlocks)
	assert.EqualValues(t, 200, stream.Tell(), "Truncate must not move the stream pointer")

	require.NoError(t, stream.Truncate(128))
	buffer := make([]byte, 128)
	_, err = stream.ReadAt(buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, payload[:70], buffer[:70])
	assert.Equal(t, make([]byte, 58), buffer[70:])
}

func TestBasicStream__Append(t *testing.T) {
	cache, _ := diskotest.CreateResizableCache(32, t)
	stream, err := basicstream.New(0, cache, ufstool.O_WRONLY|ufstool.O_APPEND)
	require.NoError(t, err)

	_, err = stream.WriteString("abc")
	require.NoError(t, err)
	_, err = stream.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = stream.WriteString("def")
	require.NoError(t, err)
	assert.EqualValues(t, 6, stream.Size())

	_, err = stream.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, ufserrors.ErrNotPermitted, "WriteAt must fail in append mode")

	data, err := cache.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), data[:6])
}

func TestBasicStream__PermissionsEnforced(t *testing.T) {
	cache := diskotest.CreateDefaultCache(64, 4, false, nil, t)
	stream, err := basicstream.New(cache.Size(), cache, ufstool.O_RDONLY)
	require.NoError(t, err)

	_, err = stream.Write([]byte{1})
	assert.ErrorIs(t, err, ufserrors.ErrNotPermitted)
	assert.ErrorIs(t, stream.Truncate(0), ufserrors.ErrNotPermitted)

	writeOnly, err := basicstream.New(cache.Size(), cache, ufstool.O_WRONLY)
	require.NoError(t, err)
	_, err = writeOnly.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ufserrors.ErrNotPermitted)
}

// Reading across the end of the stream returns the remaining bytes and EOF.
func TestBasicStream__ReadPastEnd(t *testing.T) {
	cache := diskotest.CreateDefaultCache(64, 4, false, nil, t)
	stream, err := basicstream.New(200, cache, ufstool.O_RDONLY)
	require.NoError(t, err)

	buffer := make([]byte, 100)
	n, err := stream.ReadAt(buffer, 150)
	assert.Equal(t, 50, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = stream.ReadAt(buffer, 200)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBasicStream__WriteToCopiesEverything(t *testing.T) {
	data := diskotest.CreateRandomImage(64, 4, t)
	cache := diskotest.CreateDefaultCache(64, 4, false, data, t)
	stream, err := basicstream.New(250, cache, ufstool.O_RDONLY)
	require.NoError(t, err)

	var output bytes.Buffer
	n, err := stream.WriteTo(&output)
	require.NoError(t, err)
	assert.EqualValues(t, 250, n)
	assert.Equal(t, data[:250], output.Bytes())
}
