package ufs1

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dargueta/ufstool/errors"
	c "github.com/dargueta/ufstool/file_systems/common"
	"github.com/noxer/bytewriter"
)

// Byte offsets and magic numbers of the on-disk superblock.
const (
	SuperblockOffset  = 8192
	SuperblockMaxSize = 8192
	// UFS2 keeps its primary superblock here instead.
	ufs2SuperblockOffset = 65536

	Magic     = 0x011954
	ufs2Magic = 0x19540119

	// The 4.4BSD inode format. Only this one is supported.
	inodeFormat44 = 2

	superblockHeadSize   = 728
	superblockTailOff    = 1316
	superblockTailSize   = 60
	superblockRecordSize = superblockTailOff + superblockTailSize
	magicOffset          = 1372

	maxFragsPerBlock  = 8
	maxContigSummary  = 16
	summaryRecordSize = 16
)

// Summary is the set of free-space counters kept per group and file system-wide
// (struct csum). Field order matches the on-disk layout.
type Summary struct {
	Directories   int32
	FreeBlocks    int32
	FreeInodes    int32
	FreeFragments int32
}

// Add adds every counter in `delta` to this summary.
func (s *Summary) Add(delta Summary) {
	s.Directories += delta.Directories
	s.FreeBlocks += delta.FreeBlocks
	s.FreeInodes += delta.FreeInodes
	s.FreeFragments += delta.FreeFragments
}

// superblockHead covers bytes [0, 728) of the superblock.
type superblockHead struct {
	FirstField        int32
	Unused1           int32
	SuperblockFrag    int32 // sblkno
	CylGroupFrag      int32 // cblkno
	InodeTableFrag    int32 // iblkno
	DataFrag          int32 // dblkno
	CylGroupOffset    int32
	CylGroupMask      int32
	Time              int32
	Size              int32
	DataSize          int32
	NumGroups         int32
	BlockSize         int32
	FragmentSize      int32
	FragsPerBlock     int32
	MinFree           int32
	RotDelay          int32
	RevsPerSecond     int32
	BlockMask         int32
	FragMask          int32
	BlockShift        int32
	FragShift         int32
	MaxContig         int32
	MaxBlocksPerGroup int32
	FragsPerBlockLog  int32 // fragshift
	FragToSectorShift int32 // fsbtodb
	SuperblockSize    int32
	Spare1            [2]int32
	PointersPerBlock  int32 // nindir
	InodesPerBlock    int32
	SectorsPerFrag    int32
	Optimization      int32
	PhysSectorsPerTrk int32
	Interleave        int32
	TrackSkew         int32
	ID                [2]int32
	SummaryAddr       int32 // csaddr
	SummarySize       int32 // cssize
	CylGroupSize      int32 // cgsize
	Spare2            int32
	SectorsPerTrack   int32
	SectorsPerCyl     int32
	NumCylinders      int32
	CylsPerGroup      int32
	InodesPerGroup    int32
	FragsPerGroup     int32
	Totals            Summary
	Modified          uint8
	Clean             uint8
	ReadOnly          uint8
	Flags             uint8
	MountPoint        [512]byte
	GroupRotor        int32
}

// superblockTail covers bytes [1316, 1376) of the superblock.
type superblockTail struct {
	ContigSummarySize int32
	MaxSymlinkLength  int32
	InodeFormat       int32
	MaxFileSize       uint64
	QuadBlockMask     int64
	QuadFragMask      int64
	State             int32
	PostblFormat      int32
	NumRotPositions   int32
	PostblOffset      int32
	RotblOffset       int32
	Magic             int32
}

// Superblock is the decoded file system configuration. Fields not covered by
// the decoded structs are carried in the raw bytes and written back unchanged.
type Superblock struct {
	superblockHead
	superblockTail
	raw []byte
}

// checkMagic inspects the magic numbers of a candidate superblock region. It
// returns nil if `data` holds a UFS1 superblock.
func checkMagic(data []byte) error {
	if len(data) < superblockRecordSize {
		return errors.NewWithMessage(
			errors.EMEDIUMTYPE,
			fmt.Sprintf("superblock region is only %d bytes", len(data)),
		)
	}

	magic := binary.LittleEndian.Uint32(data[magicOffset:])
	switch magic {
	case Magic:
		return nil
	case ufs2Magic:
		return errors.NewWithMessage(errors.ENOTSUP, "UFS2 file systems are not supported")
	default:
		return errors.NewWithMessage(
			errors.EMEDIUMTYPE,
			fmt.Sprintf("bad superblock magic %#x", magic),
		)
	}
}

// DecodeSuperblock parses a superblock from `data`, which must begin at the
// start of the superblock and contain at least the full record. The slice is
// retained.
func DecodeSuperblock(data []byte) (*Superblock, error) {
	err := checkMagic(data)
	if err != nil {
		return nil, err
	}

	sb := &Superblock{raw: data}
	err = binary.Read(
		bytes.NewReader(data[:superblockHeadSize]), binary.LittleEndian, &sb.superblockHead)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	err = binary.Read(
		bytes.NewReader(data[superblockTailOff:superblockRecordSize]),
		binary.LittleEndian,
		&sb.superblockTail,
	)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	return sb, sb.validate()
}

func isPowerOfTwo(x int32) bool {
	return x > 0 && x&(x-1) == 0
}

// validate checks that the geometry is self-consistent enough to address
// anything with.
func (sb *Superblock) validate() error {
	if sb.InodeFormat != inodeFormat44 {
		return errors.NewWithMessage(
			errors.ENOTSUP,
			fmt.Sprintf("inode format %d is not supported", sb.InodeFormat),
		)
	}

	problems := []string{}
	if !isPowerOfTwo(sb.BlockSize) || sb.BlockSize < 4096 || sb.BlockSize > 65536 {
		problems = append(problems, fmt.Sprintf("block size %d", sb.BlockSize))
	}
	if !isPowerOfTwo(sb.FragmentSize) || sb.FragmentSize < 512 || sb.FragmentSize > sb.BlockSize {
		problems = append(problems, fmt.Sprintf("fragment size %d", sb.FragmentSize))
	} else if sb.FragsPerBlock != sb.BlockSize/sb.FragmentSize || sb.FragsPerBlock > maxFragsPerBlock {
		problems = append(problems, fmt.Sprintf("%d fragments per block", sb.FragsPerBlock))
	}
	if sb.NumGroups <= 0 {
		problems = append(problems, fmt.Sprintf("%d cylinder groups", sb.NumGroups))
	}
	if sb.InodesPerGroup <= 0 || sb.InodesPerGroup%8 != 0 {
		problems = append(problems, fmt.Sprintf("%d inodes per group", sb.InodesPerGroup))
	}
	if sb.FragsPerGroup <= 0 || sb.FragsPerBlock > 0 && sb.FragsPerGroup%sb.FragsPerBlock != 0 {
		problems = append(problems, fmt.Sprintf("%d fragments per group", sb.FragsPerGroup))
	}
	if sb.InodesPerBlock != sb.BlockSize/InodeSize || sb.PointersPerBlock != sb.BlockSize/4 {
		problems = append(problems, "inconsistent per-block counts")
	}
	if sb.FragToSectorShift < 0 || sb.FragToSectorShift > 7 ||
		sb.FragmentSize>>sb.FragToSectorShift != 512 {
		problems = append(problems, fmt.Sprintf("fsbtodb shift %d", sb.FragToSectorShift))
	}
	if sb.ContigSummarySize < 0 || sb.ContigSummarySize > maxContigSummary {
		problems = append(problems, fmt.Sprintf("cluster summary size %d", sb.ContigSummarySize))
	}

	if len(problems) > 0 {
		return errors.NewWithMessage(
			errors.EUCLEAN,
			"invalid superblock: "+strings.Join(problems, ", "),
		)
	}
	return nil
}

// Encode returns the superblock as it should be written to disk.
func (sb *Superblock) Encode() []byte {
	output := make([]byte, len(sb.raw))
	copy(output, sb.raw)

	writer := bytewriter.New(output[:superblockHeadSize])
	binary.Write(writer, binary.LittleEndian, &sb.superblockHead)

	writer = bytewriter.New(output[superblockTailOff:superblockRecordSize])
	binary.Write(writer, binary.LittleEndian, &sb.superblockTail)
	return output
}

// MountPointString returns the last mount point recorded in the superblock.
func (sb *Superblock) MountPointString() string {
	end := bytes.IndexByte(sb.MountPoint[:], 0)
	if end < 0 {
		end = len(sb.MountPoint)
	}
	return string(sb.MountPoint[:end])
}

////////////////////////////////////////////////////////////////////////////////
// Address arithmetic. Physical addresses are in fragments.

// groupBase is the first fragment of group `cg` (cgbase).
func (sb *Superblock) groupBase(cg int) c.PhysicalBlock {
	return c.PhysicalBlock(sb.FragsPerGroup) * c.PhysicalBlock(cg)
}

// groupStart is groupBase plus the rotational stagger (cgstart).
func (sb *Superblock) groupStart(cg int) c.PhysicalBlock {
	stagger := int32(cg) & ^sb.CylGroupMask
	return sb.groupBase(cg) + c.PhysicalBlock(sb.CylGroupOffset*stagger)
}

// groupSuperblock is the address of a group's backup superblock (cgsblock).
func (sb *Superblock) groupSuperblock(cg int) c.PhysicalBlock {
	return sb.groupStart(cg) + c.PhysicalBlock(sb.SuperblockFrag)
}

// groupRecord is the address of a group's cylinder group record (cgtod).
func (sb *Superblock) groupRecord(cg int) c.PhysicalBlock {
	return sb.groupStart(cg) + c.PhysicalBlock(sb.CylGroupFrag)
}

// groupInodeTable is the address of a group's first inode block (cgimin).
func (sb *Superblock) groupInodeTable(cg int) c.PhysicalBlock {
	return sb.groupStart(cg) + c.PhysicalBlock(sb.InodeTableFrag)
}

// groupDataStart is the address of a group's first data block (cgdmin).
func (sb *Superblock) groupDataStart(cg int) c.PhysicalBlock {
	return sb.groupStart(cg) + c.PhysicalBlock(sb.DataFrag)
}

// groupOf returns the group containing fragment `frag` (dtog).
func (sb *Superblock) groupOf(frag c.PhysicalBlock) int {
	return int(frag / c.PhysicalBlock(sb.FragsPerGroup))
}

// groupFragments returns the number of fragments in group `cg`. Only the last
// group can be short.
func (sb *Superblock) groupFragments(cg int) int {
	remaining := int64(sb.Size) - int64(sb.groupBase(cg))
	if remaining > int64(sb.FragsPerGroup) {
		return int(sb.FragsPerGroup)
	}
	return int(remaining)
}

// fragToSector converts a fragment address to a sector number (fsbtodb).
func (sb *Superblock) fragToSector(frag c.PhysicalBlock) uint64 {
	return uint64(frag) << uint(sb.FragToSectorShift)
}

// sectorsPerBlock is the number of 512-byte sectors in a full block.
func (sb *Superblock) sectorsPerBlock() int32 {
	return sb.BlockSize / 512
}

// inodeGroup returns the group containing inode `ino` (ino_to_cg).
func (sb *Superblock) inodeGroup(ino Inumber) int {
	return int(uint32(ino) / uint32(sb.InodesPerGroup))
}

// inodeBlock returns the address of the block holding inode `ino`
// (ino_to_fsba).
func (sb *Superblock) inodeBlock(ino Inumber) c.PhysicalBlock {
	indexInGroup := uint32(ino) % uint32(sb.InodesPerGroup)
	blockInTable := indexInGroup / uint32(sb.InodesPerBlock)
	return sb.groupInodeTable(sb.inodeGroup(ino)) +
		c.PhysicalBlock(blockInTable)*c.PhysicalBlock(sb.FragsPerBlock)
}

// inodeOffset returns the index of `ino` within its block (ino_to_fsbo).
func (sb *Superblock) inodeOffset(ino Inumber) int {
	return int(uint32(ino) % uint32(sb.InodesPerBlock))
}

// totalInodes is the number of inodes in the file system.
func (sb *Superblock) totalInodes() uint64 {
	return uint64(sb.NumGroups) * uint64(sb.InodesPerGroup)
}
