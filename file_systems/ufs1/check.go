package ufs1

import (
	"fmt"
	"io"

	"github.com/dargueta/ufstool/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Check recounts the free space of every cylinder group from its bitmaps and
// compares the result with the counters stored in the group record, in the
// summary array, and in the superblock totals. Nothing is modified.
//
// All problems found are returned together as a [multierror.Error] whose
// members are EUCLEAN errors. A group that can't be loaded is reported and
// skipped. The return value is nil if everything matches.
//
// Check uses the group cursor, and fails with EBUSY if the resident group has
// unsaved changes.
func (fs *FileSystem) Check() error {
	if fs.resident != nil && fs.resident.dirty {
		return errors.NewWithMessage(
			errors.EBUSY,
			fmt.Sprintf("group %d has unsaved changes; flush before checking", fs.resident.Index),
		)
	}

	var result *multierror.Error
	report := func(format string, args ...interface{}) {
		problem := errors.NewWithMessage(errors.EUCLEAN, fmt.Sprintf(format, args...))
		fs.log.Warn(problem.Error())
		result = multierror.Append(result, problem)
	}

	var totals Summary
	fs.ResetGroupCursor()
	for index := 0; ; index++ {
		cg, err := fs.NextGroup()
		if err == io.EOF {
			break
		}
		if err != nil {
			fs.log.WithField("group", index).Warn(err.Error())
			result = multierror.Append(result, err)
			totals.Add(fs.groupSummaries[index])
			continue
		}

		fs.checkGroup(cg, report)
		totals.Add(fs.groupSummaries[index])
	}
	fs.ResetGroupCursor()

	if totals != fs.sb.Totals {
		report(
			"superblock totals %+v don't match the sum of the summary array %+v",
			fs.sb.Totals,
			totals,
		)
	}

	if result == nil {
		fs.log.WithFields(logrus.Fields{
			"groups":      fs.sb.NumGroups,
			"free_blocks": fs.sb.Totals.FreeBlocks,
		}).Debug("check passed")
		return nil
	}
	return result.ErrorOrNil()
}

// checkGroup compares one group's bitmaps with its counters.
func (fs *FileSystem) checkGroup(cg *CylinderGroup, report func(string, ...interface{})) {
	index := int(cg.Index)
	counted, runs := cg.recount(fs.sb)

	// Directories can only be counted by reading every inode, so the recorded
	// value is taken as-is.
	counted.Directories = cg.Summary.Directories

	if counted != cg.Summary {
		report("group %d: record says %+v, bitmaps say %+v", index, cg.Summary, counted)
	}
	if counted != fs.groupSummaries[index] {
		report(
			"group %d: summary array says %+v, bitmaps say %+v",
			index,
			fs.groupSummaries[index],
			counted,
		)
	}
	if runs != cg.FragSummary {
		report("group %d: fragment runs are %v, record says %v", index, runs, cg.FragSummary)
	}

	if cg.FreeClusters == nil {
		return
	}

	fragsPerBlock := int(fs.sb.FragsPerBlock)
	for block := 0; block < int(cg.NumClusterBlocks); block++ {
		if cg.FreeClusters.Get(block) != cg.isBlockFree(block, fragsPerBlock) {
			report("group %d: cluster map disagrees with fragment map at block %d", index, block)
			break
		}
	}

	clusterRuns := cg.clusterRuns()
	for i := range clusterRuns {
		if clusterRuns[i] != cg.ClusterSummary[i] {
			report(
				"group %d: cluster runs are %v, record says %v",
				index,
				clusterRuns,
				cg.ClusterSummary,
			)
			break
		}
	}
}
