package ufs1

import (
	"fmt"
	"math/bits"
	"math/rand"
	"time"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/dargueta/ufstool/sectorio"
	"github.com/sirupsen/logrus"
)

// Boot block plus the largest possible superblock. Nothing but the superblock
// goes in this part of the first group.
const bootAreaSize = SuperblockOffset + SuperblockMaxSize

// FormatOptions controls the geometry of a new file system. Zero values are
// replaced by defaults.
type FormatOptions struct {
	// BlockSize is the size of a full block in bytes: a power of two from 4096
	// to 65536. Defaults to 8192.
	BlockSize int
	// FragmentSize is the size of a fragment in bytes. Defaults to an eighth of
	// the block size.
	FragmentSize int
	// InodesPerGroup defaults to one inode per 8 KiB of group, rounded up to a
	// whole inode block.
	InodesPerGroup int
	// FragsPerGroup defaults to 16384 fragments.
	FragsPerGroup int
	// MaxContig is the largest run of blocks the cluster summary tracks, capped
	// at 16. Defaults to 64 KiB worth of blocks.
	MaxContig int
	// MinFree is the percentage of space reserved for root. Defaults to 8.
	MinFree int
	// LazyInodeInit zeroes only the first two inode blocks of each group. The
	// rest are zeroed when an inode in them is first allocated.
	LazyInodeInit bool
	// MountPoint is recorded in the superblock as the last mount point.
	MountPoint string
}

// geometry is the derived layout of a file system being formatted.
type geometry struct {
	blockSize      int32
	fragSize       int32
	fragsPerBlock  int32
	inodesPerGroup int32
	fragsPerGroup  int32
	totalFrags     int32
	numGroups      int32
	sblkno         int32
	cblkno         int32
	iblkno         int32
	dblkno         int32
	cgSize         int32
	summarySize    int32
	contigSumSize  int32
	sbSize         int32
}

func fragRoundUp(x, fragSize, fragsPerBlock int32) int32 {
	return roundUp32(howMany32(x, fragSize), fragsPerBlock)
}

func computeGeometry(size int64, opts *FormatOptions) (geometry, error) {
	var geo geometry

	if opts.BlockSize == 0 {
		opts.BlockSize = 8192
	}
	if opts.FragmentSize == 0 {
		opts.FragmentSize = opts.BlockSize / maxFragsPerBlock
	}
	if opts.FragsPerGroup == 0 {
		opts.FragsPerGroup = 16384
	}
	if opts.MaxContig == 0 {
		opts.MaxContig = 65536 / opts.BlockSize
		if opts.MaxContig < 1 {
			opts.MaxContig = 1
		}
	}
	if opts.MinFree == 0 {
		opts.MinFree = 8
	}

	bsize := opts.BlockSize
	fsize := opts.FragmentSize
	if bsize < 4096 || bsize > 65536 || bsize&(bsize-1) != 0 {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("block size must be a power of two in [4096, 65536], got %d", bsize),
		)
	}
	if fsize < sectorio.SectorSize || fsize > bsize || fsize&(fsize-1) != 0 ||
		bsize/fsize > maxFragsPerBlock {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"fragment size must be a power of two from %d to %d, got %d",
				bsize/maxFragsPerBlock,
				bsize,
				fsize,
			),
		)
	}
	if opts.MinFree < 0 || opts.MinFree > 99 {
		return geo, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("minimum free percentage %d out of range", opts.MinFree))
	}

	geo.blockSize = int32(bsize)
	geo.fragSize = int32(fsize)
	geo.fragsPerBlock = int32(bsize / fsize)
	inodesPerBlock := geo.blockSize / InodeSize

	if opts.FragsPerGroup%int(geo.fragsPerBlock) != 0 {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"fragments per group (%d) must be a multiple of fragments per block (%d)",
				opts.FragsPerGroup,
				geo.fragsPerBlock,
			),
		)
	}
	geo.fragsPerGroup = int32(opts.FragsPerGroup)

	if opts.InodesPerGroup == 0 {
		opts.InodesPerGroup = int(roundUp32(
			int32(int64(geo.fragsPerGroup)*int64(fsize)/8192), inodesPerBlock))
		if opts.InodesPerGroup == 0 {
			opts.InodesPerGroup = int(inodesPerBlock)
		}
	}
	if opts.InodesPerGroup <= 0 || opts.InodesPerGroup%int(inodesPerBlock) != 0 {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"inodes per group (%d) must be a positive multiple of %d",
				opts.InodesPerGroup,
				inodesPerBlock,
			),
		)
	}
	geo.inodesPerGroup = int32(opts.InodesPerGroup)

	geo.contigSumSize = int32(opts.MaxContig)
	if geo.contigSumSize > maxContigSummary {
		geo.contigSumSize = maxContigSummary
	}
	if opts.MaxContig <= 1 {
		geo.contigSumSize = 0
	}

	geo.sbSize = roundUp32(superblockRecordSize, geo.fragSize)

	var layout cylGroupHeader
	cylGroupLayout(&layout, &Superblock{
		superblockHead: superblockHead{
			FragsPerBlock:  geo.fragsPerBlock,
			InodesPerGroup: geo.inodesPerGroup,
			FragsPerGroup:  geo.fragsPerGroup,
		},
		superblockTail: superblockTail{ContigSummarySize: geo.contigSumSize},
	})
	geo.cgSize = roundUp32(layout.NextFreeOffset, geo.fragSize)
	if geo.cgSize > geo.blockSize {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"cylinder group record needs %d bytes but a block is only %d; use fewer fragments or inodes per group",
				geo.cgSize,
				geo.blockSize,
			),
		)
	}

	geo.sblkno = fragRoundUp(bootAreaSize, geo.fragSize, geo.fragsPerBlock)
	geo.cblkno = geo.sblkno + fragRoundUp(SuperblockMaxSize, geo.fragSize, geo.fragsPerBlock)
	geo.iblkno = geo.cblkno + fragRoundUp(geo.cgSize, geo.fragSize, geo.fragsPerBlock)
	geo.dblkno = geo.iblkno +
		fragRoundUp(geo.inodesPerGroup*InodeSize, geo.fragSize, geo.fragsPerBlock)

	// Each group needs room for at least one data block. The group record and
	// inode table must fit in the group too.
	minGroupFrags := geo.dblkno + geo.fragsPerBlock
	if geo.fragsPerGroup < minGroupFrags {
		return geo, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"%d fragments per group is too small; metadata alone takes %d",
				geo.fragsPerGroup,
				geo.dblkno,
			),
		)
	}

	totalFrags := size / int64(fsize)
	totalFrags -= totalFrags % int64(geo.fragsPerBlock)
	if totalFrags > int64(^uint32(0)>>1) {
		return geo, errors.NewWithMessage(
			errors.EFBIG,
			fmt.Sprintf("%d bytes is too large for a UFS1 file system", size),
		)
	}

	numGroups := int32(c.DivRoundUp(uint64(totalFrags), uint64(geo.fragsPerGroup)))
	lastGroupFrags := int32(totalFrags) - (numGroups-1)*geo.fragsPerGroup
	if numGroups > 1 && lastGroupFrags < minGroupFrags {
		// Too small to hold anything. Drop it.
		numGroups--
		totalFrags = int64(numGroups) * int64(geo.fragsPerGroup)
	}
	geo.numGroups = numGroups
	geo.totalFrags = int32(totalFrags)
	geo.summarySize = roundUp32(numGroups*summaryRecordSize, geo.fragSize)

	// Group 0 also holds the summary array and the root directory.
	group0Frags := geo.totalFrags
	if group0Frags > geo.fragsPerGroup {
		group0Frags = geo.fragsPerGroup
	}
	needed := roundUp32(geo.dblkno+geo.summarySize/geo.fragSize, geo.fragsPerBlock) +
		geo.fragsPerBlock
	if numGroups == 0 || group0Frags < needed {
		return geo, errors.NewWithMessage(
			errors.ENOSPC,
			fmt.Sprintf(
				"%d bytes is too small for a file system with this geometry; need at least %d",
				size,
				int64(needed)*int64(fsize),
			),
		)
	}
	return geo, nil
}

func log2(x int32) int32 {
	return int32(bits.TrailingZeros32(uint32(x)))
}

// newSuperblock fills in a superblock for `geo`. Free-space totals are left for
// the caller.
func newSuperblock(geo *geometry, opts *FormatOptions, now time.Time) *Superblock {
	sb := &Superblock{raw: make([]byte, geo.sbSize)}

	dataFrags := int32(0)
	for i := int32(0); i < geo.numGroups; i++ {
		groupFrags := geo.totalFrags - i*geo.fragsPerGroup
		if groupFrags > geo.fragsPerGroup {
			groupFrags = geo.fragsPerGroup
		}
		dataFrags += groupFrags - geo.dblkno
	}

	pointersPerBlock := uint64(geo.blockSize / 4)
	maxBlocks := NumDirect + pointersPerBlock +
		pointersPerBlock*pointersPerBlock +
		pointersPerBlock*pointersPerBlock*pointersPerBlock
	sectorsPerFrag := geo.fragSize / sectorio.SectorSize

	sb.superblockHead = superblockHead{
		SuperblockFrag:    geo.sblkno,
		CylGroupFrag:      geo.cblkno,
		InodeTableFrag:    geo.iblkno,
		DataFrag:          geo.dblkno,
		CylGroupOffset:    0,
		CylGroupMask:      -1,
		Time:              int32(now.Unix()),
		Size:              geo.totalFrags,
		DataSize:          dataFrags,
		NumGroups:         geo.numGroups,
		BlockSize:         geo.blockSize,
		FragmentSize:      geo.fragSize,
		FragsPerBlock:     geo.fragsPerBlock,
		MinFree:           int32(opts.MinFree),
		RevsPerSecond:     60,
		BlockMask:         ^(geo.blockSize - 1),
		FragMask:          ^(geo.fragSize - 1),
		BlockShift:        log2(geo.blockSize),
		FragShift:         log2(geo.fragSize),
		MaxContig:         int32(opts.MaxContig),
		MaxBlocksPerGroup: geo.blockSize / 4,
		FragsPerBlockLog:  log2(geo.fragsPerBlock),
		FragToSectorShift: log2(sectorsPerFrag),
		SuperblockSize:    geo.sbSize,
		PointersPerBlock:  geo.blockSize / 4,
		InodesPerBlock:    geo.blockSize / InodeSize,
		SectorsPerFrag:    sectorsPerFrag,
		PhysSectorsPerTrk: geo.fragsPerGroup * sectorsPerFrag,
		Interleave:        1,
		ID:                [2]int32{int32(now.Unix()), rand.Int31()},
		SummaryAddr:       geo.dblkno,
		SummarySize:       geo.summarySize,
		CylGroupSize:      geo.cgSize,
		SectorsPerTrack:   geo.fragsPerGroup * sectorsPerFrag,
		SectorsPerCyl:     geo.fragsPerGroup * sectorsPerFrag,
		NumCylinders:      geo.numGroups,
		CylsPerGroup:      1,
		InodesPerGroup:    geo.inodesPerGroup,
		FragsPerGroup:     geo.fragsPerGroup,
		Clean:             1,
	}
	copy(sb.MountPoint[:len(sb.MountPoint)-1], opts.MountPoint)

	sb.superblockTail = superblockTail{
		ContigSummarySize: geo.contigSumSize,
		MaxSymlinkLength:  (NumDirect + NumIndirect) * 4,
		InodeFormat:       inodeFormat44,
		MaxFileSize:       maxBlocks*uint64(geo.blockSize) - 1,
		QuadBlockMask:     int64(geo.blockSize - 1),
		QuadFragMask:      int64(geo.fragSize - 1),
		PostblFormat:      1,
		NumRotPositions:   1,
		Magic:             Magic,
	}
	return sb
}

// newCylinderGroup creates the empty record of group `index`: every data block
// free and every inode unused.
func newCylinderGroup(sb *Superblock, index int, initedInodes int32, now time.Time) *CylinderGroup {
	var hdr cylGroupHeader
	cylGroupLayout(&hdr, sb)
	hdr.Magic = CylGroupMagic
	hdr.Time = int32(now.Unix())
	hdr.Index = int32(index)
	hdr.NumCylinders = 1
	hdr.NumFragments = int32(sb.groupFragments(index))
	hdr.NumClusterBlocks = hdr.NumFragments / sb.FragsPerBlock
	hdr.NumInodes = sb.InodesPerGroup
	hdr.InitedInodes = initedInodes
	hdr.Time64 = now.Unix()

	cg := &CylinderGroup{cylGroupHeader: hdr, raw: make([]byte, sb.CylGroupSize)}
	if sb.ContigSummarySize > 0 {
		cg.ClusterSummary = make([]int32, sb.ContigSummarySize+1)
	}
	cg.Encode()

	// The header and layout were built from the same superblock, so this can't
	// fail.
	decoded, err := DecodeCylinderGroup(cg.raw, index, sb)
	if err != nil {
		panic(err)
	}

	fragsPerBlock := int(sb.FragsPerBlock)
	for block := int(sb.DataFrag) / fragsPerBlock; block < int(decoded.NumClusterBlocks); block++ {
		decoded.setBlock(block, fragsPerBlock, true)
		if decoded.FreeClusters != nil {
			decoded.FreeClusters.Set(block, true)
		}
	}
	return decoded
}

// reserveFragments marks `count` fragments starting at group-relative fragment
// `frag` as in use, keeping the cluster map in step.
func (cg *CylinderGroup) reserveFragments(frag, count, fragsPerBlock int) {
	for i := 0; i < count; i++ {
		cg.FreeFragments.Set(frag+i, false)
	}
	if cg.FreeClusters == nil {
		return
	}
	for block := frag / fragsPerBlock; block*fragsPerBlock < frag+count; block++ {
		cg.FreeClusters.Set(block, false)
	}
}

// Format writes a new, empty UFS1 file system of `size` bytes to `device`. The
// root directory is created with `.` and `..` entries. Any existing file system
// on the device is destroyed.
func Format(device *sectorio.Device, size int64, opts FormatOptions) error {
	log := logrus.WithField("image", device.Name())

	geo, err := computeGeometry(size, &opts)
	if err != nil {
		return err
	}

	now := time.Now()
	sb := newSuperblock(&geo, &opts, now)
	fragsPerBlock := int(geo.fragsPerBlock)

	log.WithFields(logrus.Fields{
		"size":             int64(geo.totalFrags) * int64(geo.fragSize),
		"block_size":       geo.blockSize,
		"fragment_size":    geo.fragSize,
		"groups":           geo.numGroups,
		"inodes_per_group": geo.inodesPerGroup,
		"frags_per_group":  geo.fragsPerGroup,
	}).Info("formatting")

	// Make sure the image covers the whole file system even if the last group's
	// data area is never touched.
	lastSector := sectorio.Sector(int64(geo.totalFrags)*int64(geo.fragSize)/sectorio.SectorSize - 1)
	err = device.Erase(lastSector, 1)
	if err != nil {
		return err
	}

	initedInodes := geo.inodesPerGroup
	if opts.LazyInodeInit && 2*sb.InodesPerBlock < initedInodes {
		initedInodes = 2 * sb.InodesPerBlock
	}

	summaryFrags := int(geo.summarySize / geo.fragSize)
	rootBlock := c.PhysicalBlock(roundUp32(geo.dblkno+int32(summaryFrags), geo.fragsPerBlock))
	summaries := make([]Summary, geo.numGroups)

	for index := 0; index < int(geo.numGroups); index++ {
		cg := newCylinderGroup(sb, index, initedInodes, now)

		if index == 0 {
			// Inodes 0 and 1 are reserved, and 2 is the root directory.
			for ino := 0; ino <= int(RootInode); ino++ {
				cg.UsedInodes.Set(ino, true)
			}
			cg.reserveFragments(int(geo.dblkno), summaryFrags, fragsPerBlock)
			cg.reserveFragments(int(rootBlock), fragsPerBlock, fragsPerBlock)
			cg.Summary.Directories = 1
		}

		counted, runs := cg.recount(sb)
		counted.Directories = cg.Summary.Directories
		cg.Summary = counted
		cg.FragSummary = runs
		if cg.ClusterSummary != nil {
			cg.ClusterSummary = cg.clusterRuns()
		}

		summaries[index] = counted
		sb.Totals.Add(counted)

		_, err = device.Write(
			sectorio.Sector(sb.fragToSector(sb.groupRecord(index))), cg.Encode())
		if err != nil {
			return err
		}

		inodeBytes := int64(initedInodes) * InodeSize
		err = device.Erase(
			sectorio.Sector(sb.fragToSector(sb.groupInodeTable(index))),
			uint64(inodeBytes/sectorio.SectorSize),
		)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"group": index, "free_blocks": counted.FreeBlocks}).
			Debug("wrote cylinder group")
	}

	err = writeRootDirectory(device, sb, rootBlock, now)
	if err != nil {
		return err
	}

	err = device.Erase(
		sectorio.Sector(sb.fragToSector(c.PhysicalBlock(sb.SummaryAddr))),
		uint64(geo.summarySize/sectorio.SectorSize),
	)
	if err != nil {
		return err
	}
	fs := &FileSystem{device: device, sb: sb, groupSummaries: summaries, log: log}
	err = fs.writeGroupSummaries()
	if err != nil {
		return err
	}

	encodedSb := sb.Encode()
	for index := 0; index < int(geo.numGroups); index++ {
		_, err = device.Write(
			sectorio.Sector(sb.fragToSector(sb.groupSuperblock(index))), encodedSb)
		if err != nil {
			return err
		}
	}
	_, err = device.Write(SuperblockOffset/sectorio.SectorSize, encodedSb)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"free_blocks": sb.Totals.FreeBlocks,
		"free_frags":  sb.Totals.FreeFragments,
		"free_inodes": sb.Totals.FreeInodes,
	}).Info("format complete")
	return nil
}

// writeRootDirectory writes the root inode and its single directory block.
func writeRootDirectory(device *sectorio.Device, sb *Superblock, addr c.PhysicalBlock, now time.Time) error {
	contents, err := EncodeDirectoryEntries([]DirectoryEntry{
		{Inumber: RootInode, Type: DT_DIR, Name: "."},
		{Inumber: RootInode, Type: DT_DIR, Name: ".."},
	})
	if err != nil {
		return err
	}

	block := make([]byte, sb.BlockSize)
	copy(block, contents)
	_, err = device.Write(sectorio.Sector(sb.fragToSector(addr)), block)
	if err != nil {
		return err
	}

	root := &Inode{
		Number:       RootInode,
		Mode:         ufstool.S_IFDIR | 0o755,
		LinkCount:    2,
		Size:         uint64(len(contents)),
		AccessTime:   now,
		ModifiedTime: now,
		ChangedTime:  now,
		Blocks:       sb.sectorsPerBlock(),
		Generation:   rand.Int31(),
	}
	root.Direct[0] = addr

	fs := &FileSystem{device: device, sb: sb}
	return fs.WriteInode(root)
}
