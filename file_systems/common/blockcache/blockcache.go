// Package blockcache provides a block-oriented cache that can be used for
// providing a linear view of a single object scattered across discontiguous
// blocks in the disk image.
//
// The cache is sparse: only blocks that have been read or written occupy
// memory, so objects with very large logical sizes (e.g. sparse files) are
// cheap to represent.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// ResizeCallback is a pointer to a function that is called when the size of the
// object changes. It takes one argument, the new total number of blocks.
//
// Growing the object need not allocate anything. Blocks added at the end are
// clean until written, and the fetch callback is expected to return zeroes for
// blocks that were never written. When shrinking, the callback may release
// storage for blocks past the new end.
//
// Standard conditions for error codes:
//
//   - [errors.EFBIG]: Can't increase the size of the object because it would
//     exceed some technical limit.
//   - [errors.ENOSPC]: Can't increase the size of the object because there's no
//     space left on the volume.
//   - [errors.ENOTSUP]: The object can't be resized as a general rule.
type ResizeCallback func(newTotalBlocks c.LogicalBlock) error

type BlockCache struct {
	blocks        map[c.LogicalBlock][]byte
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	resize        ResizeCallback
	bytesPerBlock uint
	totalBlocks   uint64
}

// New creates a new BlockCache.
//
// There are three callback functions:
//
//   - `fetchCb` reads a single block from the backing storage.
//   - `flushCb` writes a single block to the backing storage.
//   - `resizeCb` is notified of size changes. If nil is passed for this
//     argument, a stub function is provided that always returns an error with
//     code [errors.ENOTSUP].
func New(
	bytesPerBlock uint,
	totalBlocks uint64,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
	resizeCb ResizeCallback,
) *BlockCache {
	if resizeCb == nil {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return errors.NewWithMessage(
				errors.ENOTSUP,
				fmt.Sprintf(
					"resizing is not supported; size fixed at %d bytes",
					uint64(bytesPerBlock)*totalBlocks,
				),
			)
		}
	}

	return &BlockCache{
		blocks:        make(map[c.LogicalBlock][]byte),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		resize:        resizeCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. To change the size of
// the cache, use the Resize() function.
func (cache *BlockCache) TotalBlocks() uint64 {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LengthToNumBlocks gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) LengthToNumBlocks(size uint64) uint64 {
	return c.DivRoundUp(size, uint64(cache.bytesPerBlock))
}

// IsDirty returns true if the block has been modified since it was last
// flushed.
func (cache *BlockCache) IsDirty(blockIndex c.LogicalBlock) bool {
	if uint64(blockIndex) >= cache.totalBlocks {
		return false
	}
	return cache.dirtyBlocks.Get(int(blockIndex))
}

// checkBounds verifies that `length` bytes can be accessed in the cache
// starting at byte `offset`. If not, it returns an error describing the exact
// conditions.
func (cache *BlockCache) checkBounds(offset int64, length int) error {
	if offset < 0 || offset+int64(length) > cache.Size() {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't access %d bytes at offset %d; range not in [0, %d)",
				length,
				offset,
				cache.Size(),
			),
		)
	}
	// Accessing zero bytes at the end is still out of bounds.
	if length == 0 && offset >= cache.Size() {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("offset %d is at or past the end of the cache", offset),
		)
	}
	return nil
}

// getBlock returns the cache's buffer for a block, loading it from storage
// first if it isn't present. If `overwrite` is true the caller is about to
// replace the entire block, so nothing is fetched.
func (cache *BlockCache) getBlock(blockIndex c.LogicalBlock, overwrite bool) ([]byte, error) {
	buffer, ok := cache.blocks[blockIndex]
	if ok {
		return buffer, nil
	}

	buffer = make([]byte, cache.bytesPerBlock)
	if !overwrite {
		err := cache.fetch(blockIndex, buffer)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to load block %d from source: %w", blockIndex, err)
		}
	}
	cache.blocks[blockIndex] = buffer
	return buffer, nil
}

// ReadAt fills `buffer` with data beginning at byte `offset`, loading any
// missing blocks first.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkBounds(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	bytesPerBlock := int64(cache.bytesPerBlock)
	totalRead := 0
	for totalRead < len(buffer) {
		position := offset + int64(totalRead)
		blockIndex := c.LogicalBlock(position / bytesPerBlock)
		blockOffset := position % bytesPerBlock

		block, err := cache.getBlock(blockIndex, false)
		if err != nil {
			return totalRead, err
		}
		totalRead += copy(buffer[totalRead:], block[blockOffset:])
	}
	return totalRead, nil
}

// WriteAt copies data into the cache from `buffer`, beginning at byte `offset`.
// All modified blocks are marked as dirty.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkBounds(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	bytesPerBlock := int64(cache.bytesPerBlock)
	totalWritten := 0
	for totalWritten < len(buffer) {
		position := offset + int64(totalWritten)
		blockIndex := c.LogicalBlock(position / bytesPerBlock)
		blockOffset := position % bytesPerBlock
		remaining := int64(len(buffer) - totalWritten)
		overwrite := blockOffset == 0 && remaining >= bytesPerBlock

		block, err := cache.getBlock(blockIndex, overwrite)
		if err != nil {
			return totalWritten, err
		}
		totalWritten += copy(block[blockOffset:], buffer[totalWritten:])
		cache.dirtyBlocks.Set(int(blockIndex), true)
	}
	return totalWritten, nil
}

// Data returns a copy of the entire contents of the cache. This requires
// loading all blocks not yet in the cache.
func (cache *BlockCache) Data() ([]byte, error) {
	data := make([]byte, cache.Size())
	_, err := cache.ReadAt(data, 0)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// dirtyBlockIndices returns the indices of all dirty blocks in ascending order.
func (cache *BlockCache) dirtyBlockIndices() []c.LogicalBlock {
	indices := make([]c.LogicalBlock, 0, len(cache.blocks))
	for blockIndex := range cache.blocks {
		if cache.dirtyBlocks.Get(int(blockIndex)) {
			indices = append(indices, blockIndex)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// Flush writes all dirty blocks to storage in ascending order, and marks them
// as clean. If a block fails to flush, the blocks before it remain flushed.
func (cache *BlockCache) Flush() error {
	for _, blockIndex := range cache.dirtyBlockIndices() {
		err := cache.flush(blockIndex, cache.blocks[blockIndex])
		if err != nil {
			return fmt.Errorf(
				"failed to flush block %d to storage: %w", blockIndex, err)
		}
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}
	return nil
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// Blocks added by growing are clean until written. Blocks removed by shrinking
// are discarded without being flushed.
func (cache *BlockCache) Resize(newTotalBlocks uint64) error {
	err := cache.resize(c.LogicalBlock(newTotalBlocks))
	if err != nil {
		return err
	}

	for blockIndex := range cache.blocks {
		if uint64(blockIndex) >= newTotalBlocks {
			cache.dirtyBlocks.Set(int(blockIndex), false)
			delete(cache.blocks, blockIndex)
		}
	}

	newDirtyBlocks := bitmap.New(int(newTotalBlocks))
	copy(newDirtyBlocks, cache.dirtyBlocks)

	cache.dirtyBlocks = newDirtyBlocks
	cache.totalBlocks = newTotalBlocks
	return nil
}
