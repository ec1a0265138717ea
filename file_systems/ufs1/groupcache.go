package ufs1

import (
	"fmt"
	"io"

	"github.com/dargueta/ufstool/errors"
	"github.com/dargueta/ufstool/sectorio"
)

// LoadGroup makes group `index` the resident cylinder group and returns it.
//
// Loading the group that's already resident returns it as-is. Loading a
// different group while the resident one has unsaved changes fails with EBUSY;
// call [FileSystem.StoreGroup] first.
func (fs *FileSystem) LoadGroup(index int) (*CylinderGroup, error) {
	if index < 0 || index >= int(fs.sb.NumGroups) {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("cylinder group %d not in range [0, %d)", index, fs.sb.NumGroups),
		)
	}

	if fs.resident != nil {
		if int(fs.resident.Index) == index {
			return fs.resident, nil
		}
		if fs.resident.dirty {
			return nil, errors.NewWithMessage(
				errors.EBUSY,
				fmt.Sprintf(
					"can't load cylinder group %d: group %d has unsaved changes",
					index,
					fs.resident.Index,
				),
			)
		}
	}

	buffer := make([]byte, fs.sb.CylGroupSize)
	_, err := fs.device.Read(sectorio.Sector(fs.sb.fragToSector(fs.sb.groupRecord(index))), buffer)
	if err != nil {
		return nil, err
	}

	cg, err := DecodeCylinderGroup(buffer, index, fs.sb)
	if err != nil {
		return nil, err
	}
	fs.resident = cg
	return cg, nil
}

// StoreGroup writes the resident group back to disk and marks it clean. It
// does nothing if no group is resident.
func (fs *FileSystem) StoreGroup() error {
	cg := fs.resident
	if cg == nil {
		return nil
	}

	_, err := fs.device.Write(
		sectorio.Sector(fs.sb.fragToSector(fs.sb.groupRecord(int(cg.Index)))),
		cg.Encode(),
	)
	if err != nil {
		return err
	}
	cg.dirty = false
	return nil
}

// NextGroup loads the group after the one most recently returned by NextGroup,
// starting at group 0. It returns [io.EOF] once every group has been visited.
// The cursor advances even if loading the group fails, so callers can report
// the error and keep going.
func (fs *FileSystem) NextGroup() (*CylinderGroup, error) {
	if fs.groupCursor >= int(fs.sb.NumGroups) {
		return nil, io.EOF
	}

	index := fs.groupCursor
	fs.groupCursor++
	return fs.LoadGroup(index)
}

// ResetGroupCursor rewinds [FileSystem.NextGroup] to group 0.
func (fs *FileSystem) ResetGroupCursor() {
	fs.groupCursor = 0
}
