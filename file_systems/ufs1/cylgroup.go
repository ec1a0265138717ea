package ufs1

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ufstool/errors"
	"github.com/noxer/bytewriter"
)

const (
	CylGroupMagic = 0x090255

	cylGroupHeaderSize = 168
)

// cylGroupHeader is the fixed part of a cylinder group record.
type cylGroupHeader struct {
	FirstField       int32
	Magic            int32
	Time             int32
	Index            int32
	NumCylinders     int16
	OldInodeBlocks   int16
	NumFragments     int32 // ndblk
	Summary          Summary
	Rotor            int32
	FragRotor        int32
	InodeRotor       int32
	FragSummary      [maxFragsPerBlock]int32
	BlockTotalOffset int32
	BlockOffset      int32
	InodeUsedOffset  int32
	FreeOffset       int32
	NextFreeOffset   int32
	ClusterSumOffset int32
	ClusterOffset    int32
	NumClusterBlocks int32
	NumInodes        int32
	InitedInodes     int32 // initediblk
	Unrefs           int32
	Spare32          int32
	CheckHash        uint32
	Time64           int64
	Spare64          [3]int64
}

// CylinderGroup is a decoded cylinder group record. The bitmaps alias the raw
// record, so changes to them are written back by [CylinderGroup.Encode].
type CylinderGroup struct {
	cylGroupHeader

	// FreeFragments has one bit per fragment in the group; 1 means free.
	FreeFragments bitmap.Bitmap
	// UsedInodes has one bit per inode in the group; 1 means in use.
	UsedInodes bitmap.Bitmap
	// FreeClusters has one bit per block in the group; 1 means free.
	FreeClusters bitmap.Bitmap
	// ClusterSummary[i] is the number of free runs of i blocks. The last slot
	// counts runs of that length or longer.
	ClusterSummary []int32

	raw   []byte
	dirty bool
}

// cylGroupLayout computes where the bitmaps of a group record go. Every group
// in a file system uses the same layout.
func cylGroupLayout(hdr *cylGroupHeader, sb *Superblock) {
	fragsPerBlock := int32(sb.FragsPerBlock)

	hdr.BlockTotalOffset = cylGroupHeaderSize
	hdr.BlockOffset = cylGroupHeaderSize
	hdr.InodeUsedOffset = cylGroupHeaderSize
	hdr.FreeOffset = hdr.InodeUsedOffset + howMany32(sb.InodesPerGroup, 8)
	hdr.ClusterSumOffset = roundUp32(hdr.FreeOffset+howMany32(sb.FragsPerGroup, 8), 4)
	if sb.ContigSummarySize > 0 {
		hdr.ClusterOffset = hdr.ClusterSumOffset + (sb.ContigSummarySize+1)*4
		hdr.NextFreeOffset = hdr.ClusterOffset +
			howMany32(sb.FragsPerGroup/fragsPerBlock, 8)
	} else {
		hdr.ClusterSumOffset = 0
		hdr.ClusterOffset = 0
		hdr.NextFreeOffset = hdr.FreeOffset + howMany32(sb.FragsPerGroup, 8)
	}
}

func howMany32(x, y int32) int32 {
	return (x + y - 1) / y
}

func roundUp32(x, y int32) int32 {
	return howMany32(x, y) * y
}

// DecodeCylinderGroup parses the record of group `index` from `data`. The
// slice is retained.
func DecodeCylinderGroup(data []byte, index int, sb *Superblock) (*CylinderGroup, error) {
	if len(data) < cylGroupHeaderSize {
		return nil, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf("cylinder group %d record is only %d bytes", index, len(data)),
		)
	}

	cg := &CylinderGroup{raw: data}
	err := binary.Read(
		bytes.NewReader(data[:cylGroupHeaderSize]), binary.LittleEndian, &cg.cylGroupHeader)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	if cg.Magic != CylGroupMagic {
		return nil, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf("cylinder group %d has bad magic %#x", index, uint32(cg.Magic)),
		)
	}
	if int(cg.Index) != index {
		return nil, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf("cylinder group %d claims to be group %d", index, cg.Index),
		)
	}
	if int(cg.NumFragments) != sb.groupFragments(index) {
		return nil, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf(
				"cylinder group %d has %d fragments, expected %d",
				index,
				cg.NumFragments,
				sb.groupFragments(index),
			),
		)
	}

	cg.UsedInodes, err = cg.section("inode map", cg.InodeUsedOffset, howMany32(sb.InodesPerGroup, 8))
	if err != nil {
		return nil, err
	}
	cg.FreeFragments, err = cg.section("fragment map", cg.FreeOffset, howMany32(sb.FragsPerGroup, 8))
	if err != nil {
		return nil, err
	}

	if sb.ContigSummarySize > 0 {
		cg.FreeClusters, err = cg.section(
			"cluster map",
			cg.ClusterOffset,
			howMany32(sb.FragsPerGroup/sb.FragsPerBlock, 8),
		)
		if err != nil {
			return nil, err
		}

		summaryBytes, err := cg.section(
			"cluster summary", cg.ClusterSumOffset, (sb.ContigSummarySize+1)*4)
		if err != nil {
			return nil, err
		}
		cg.ClusterSummary = make([]int32, sb.ContigSummarySize+1)
		for i := range cg.ClusterSummary {
			cg.ClusterSummary[i] = int32(binary.LittleEndian.Uint32(summaryBytes[i*4:]))
		}
	}
	return cg, nil
}

// section returns the part of the raw record at [offset, offset+size), or an
// EUCLEAN error if that isn't inside the record.
func (cg *CylinderGroup) section(what string, offset, size int32) (bitmap.Bitmap, error) {
	if offset < cylGroupHeaderSize || int(offset)+int(size) > len(cg.raw) {
		return nil, errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf(
				"cylinder group %d: %s at [%d, %d) is outside the %d-byte record",
				cg.Index,
				what,
				offset,
				offset+size,
				len(cg.raw),
			),
		)
	}
	return bitmap.Bitmap(cg.raw[offset : offset+size]), nil
}

// Encode returns the record as it should be written to disk.
func (cg *CylinderGroup) Encode() []byte {
	writer := bytewriter.New(cg.raw[:cylGroupHeaderSize])
	binary.Write(writer, binary.LittleEndian, &cg.cylGroupHeader)

	for i, count := range cg.ClusterSummary {
		offset := int(cg.ClusterSumOffset) + i*4
		binary.LittleEndian.PutUint32(cg.raw[offset:], uint32(count))
	}

	output := make([]byte, len(cg.raw))
	copy(output, cg.raw)
	return output
}

// IsDirty returns true if the group was modified since it was loaded or last
// stored.
func (cg *CylinderGroup) IsDirty() bool {
	return cg.dirty
}

// MarkDirty flags the group as needing to be written back.
func (cg *CylinderGroup) MarkDirty() {
	cg.dirty = true
}

////////////////////////////////////////////////////////////////////////////////
// Bitmap primitives. `block` is a block index within the group and `frag` a
// fragment index within the group.

// isBlockFree returns true if every fragment of the block is free (isblock).
func (cg *CylinderGroup) isBlockFree(block, fragsPerBlock int) bool {
	start := block * fragsPerBlock
	for i := 0; i < fragsPerBlock; i++ {
		if !cg.FreeFragments.Get(start + i) {
			return false
		}
	}
	return true
}

// anyFragmentFree returns true if at least one fragment in the range is free.
func (cg *CylinderGroup) anyFragmentFree(frag, count int) bool {
	for i := 0; i < count; i++ {
		if cg.FreeFragments.Get(frag + i) {
			return true
		}
	}
	return false
}

// setBlock marks every fragment of the block free or in use (setblock and
// clrblock).
func (cg *CylinderGroup) setBlock(block, fragsPerBlock int, free bool) {
	start := block * fragsPerBlock
	for i := 0; i < fragsPerBlock; i++ {
		cg.FreeFragments.Set(start+i, free)
	}
}

// findFreeBlock scans for a free block starting at `start` and wrapping around
// to the beginning of the group (mapsearch). It returns -1 if there is none.
func (cg *CylinderGroup) findFreeBlock(start, fragsPerBlock int) int {
	totalBlocks := int(cg.NumFragments) / fragsPerBlock
	if totalBlocks == 0 {
		return -1
	}
	if start < 0 || start >= totalBlocks {
		start = 0
	}

	for i := 0; i < totalBlocks; i++ {
		block := (start + i) % totalBlocks
		if cg.isBlockFree(block, fragsPerBlock) {
			return block
		}
	}
	return -1
}

// fragmentAccount adds `count` to the fragment-run summary for every run of
// free fragments in the block starting at fragment `blockStart` that is shorter
// than a full block (fragacct).
func (cg *CylinderGroup) fragmentAccount(blockStart, fragsPerBlock int, count int32) {
	run := 0
	for i := 0; i <= fragsPerBlock; i++ {
		if i < fragsPerBlock && cg.FreeFragments.Get(blockStart+i) {
			run++
			continue
		}
		if run > 0 && run < fragsPerBlock {
			cg.FragSummary[run] += count
		}
		run = 0
	}
}

// clusterAccount marks `block` free (count > 0) or in use (count < 0) in the
// cluster map and updates the histogram of free runs (clusteracct). It does
// nothing when the file system doesn't keep cluster summaries.
func (cg *CylinderGroup) clusterAccount(block int, count int32) {
	summarySize := len(cg.ClusterSummary) - 1
	if summarySize <= 0 {
		return
	}

	cg.FreeClusters.Set(block, count > 0)

	totalBlocks := int(cg.NumClusterBlocks)

	// Count the free blocks directly after this one.
	end := block + 1 + summarySize
	if end > totalBlocks {
		end = totalBlocks
	}
	forward := 0
	for i := block + 1; i < end && cg.FreeClusters.Get(i); i++ {
		forward++
	}

	// ...and directly before it.
	end = block - 1 - summarySize
	if end < -1 {
		end = -1
	}
	back := 0
	for i := block - 1; i > end && cg.FreeClusters.Get(i); i-- {
		back++
	}

	// The run this block joins (or splits) is back + forward + 1 long. The
	// runs on either side are no longer separate (or become separate).
	joined := back + forward + 1
	if joined > summarySize {
		joined = summarySize
	}
	cg.ClusterSummary[joined] += count
	if back > 0 {
		cg.ClusterSummary[back] -= count
	}
	if forward > 0 {
		cg.ClusterSummary[forward] -= count
	}
}

// recount tallies the free blocks, fragments and inodes in the bitmaps, along
// with the fragment-run summary they imply.
func (cg *CylinderGroup) recount(sb *Superblock) (Summary, [maxFragsPerBlock]int32) {
	var counted Summary
	var runs [maxFragsPerBlock]int32
	fragsPerBlock := int(sb.FragsPerBlock)

	for block := 0; block < int(cg.NumFragments)/fragsPerBlock; block++ {
		if cg.isBlockFree(block, fragsPerBlock) {
			counted.FreeBlocks++
			continue
		}

		run := 0
		for i := 0; i <= fragsPerBlock; i++ {
			if i < fragsPerBlock && cg.FreeFragments.Get(block*fragsPerBlock+i) {
				run++
				counted.FreeFragments++
				continue
			}
			if run > 0 {
				runs[run]++
			}
			run = 0
		}
	}

	for i := 0; i < int(sb.InodesPerGroup); i++ {
		if !cg.UsedInodes.Get(i) {
			counted.FreeInodes++
		}
	}
	return counted, runs
}

// clusterRuns builds the free-run histogram implied by the cluster map. Runs
// longer than the histogram are counted in its last slot.
func (cg *CylinderGroup) clusterRuns() []int32 {
	runs := make([]int32, len(cg.ClusterSummary))
	summarySize := len(runs) - 1
	if summarySize <= 0 {
		return runs
	}

	run := 0
	for block := 0; block <= int(cg.NumClusterBlocks); block++ {
		if block < int(cg.NumClusterBlocks) && cg.FreeClusters.Get(block) {
			run++
			continue
		}
		if run > 0 {
			if run > summarySize {
				run = summarySize
			}
			runs[run]++
		}
		run = 0
	}
	return runs
}
