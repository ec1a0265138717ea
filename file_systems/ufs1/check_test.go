package ufs1

import (
	"encoding/binary"
	"testing"

	"github.com/dargueta/ufstool/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireProblems fails unless `err` is a list of EUCLEAN errors, and returns
// how many there are.
func requireProblems(t *testing.T, err error) int {
	var problems *multierror.Error
	require.ErrorAs(t, err, &problems)
	for _, problem := range problems.Errors {
		assertErrno(t, errors.EUCLEAN, problem)
	}
	return len(problems.Errors)
}

func TestCheck__FreshImage(t *testing.T) {
	fs, _ := newTestFS(t)
	assert.NoError(t, fs.Check())
}

func TestCheck__TamperedTotals(t *testing.T) {
	fs, _ := newTestFS(t)

	fs.Superblock().Totals.FreeBlocks++
	assert.Equal(t, 1, requireProblems(t, fs.Check()))
}

func TestCheck__TamperedSummaryArray(t *testing.T) {
	fs, _ := newTestFS(t)

	// Keep the totals consistent with the array so only the array is reported.
	fs.groupSummaries[1].FreeInodes--
	fs.Superblock().Totals.FreeInodes--
	assert.Equal(t, 1, requireProblems(t, fs.Check()))
}

func TestCheck__TamperedBitmap(t *testing.T) {
	fs, _ := newTestFS(t)

	cg, err := fs.LoadGroup(1)
	require.NoError(t, err)

	// Take one fragment of a free block without touching any counters.
	cg.FreeFragments.Set(400, false)
	cg.MarkDirty()
	require.NoError(t, fs.StoreGroup())

	// The record, the summary array, the fragment runs, and the cluster map
	// are all out of date now.
	assert.GreaterOrEqual(t, requireProblems(t, fs.Check()), 3)
}

func TestCheck__UnreadableGroup(t *testing.T) {
	imageBytes := formatTestImage(t, testImageSize, testFormatOptions())
	fs := mountImage(t, imageBytes)

	offset := int(fs.Superblock().groupRecord(0)) * 1024
	binary.LittleEndian.PutUint32(imageBytes[offset+4:], 0x12345678)

	err := fs.Check()
	assert.Equal(t, 1, requireProblems(t, err))

	// Group 1 was still checked: breaking it too adds a second problem.
	cg, err := fs.LoadGroup(1)
	require.NoError(t, err)
	cg.FreeFragments.Set(400, false)
	cg.MarkDirty()
	require.NoError(t, fs.StoreGroup())
	assert.Greater(t, requireProblems(t, fs.Check()), 1)
}

func TestCheck__BusyWhileDirty(t *testing.T) {
	fs, _ := newTestFS(t)

	cg, err := fs.LoadGroup(0)
	require.NoError(t, err)
	cg.MarkDirty()

	assertErrno(t, errors.EBUSY, fs.Check())
}
