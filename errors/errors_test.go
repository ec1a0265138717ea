package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/dargueta/ufstool/errors"
	"github.com/stretchr/testify/assert"
)

func TestDriverErrorWithMessage(t *testing.T) {
	newErr := errors.ErrBusy.WithMessage("asdfqwerty")
	assert.Equal(
		t, "Device or resource busy: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, errors.ErrBusy)
	assert.Equal(t, errors.EBUSY, newErr.Errno())
}

func TestDriverErrorWrap(t *testing.T) {
	originalErr := stderrors.New("original error")
	newErr := errors.ErrExists.Wrap(originalErr)
	expectedMessage := "File exists: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, errors.ErrExists, "driver error not set as parent")
}

func TestDriverErrorWithMessage__Chained(t *testing.T) {
	newErr := errors.ErrNoSpaceOnDevice.WithMessage("group 3").WithMessage("block 12")
	assert.Equal(
		t, "No space left on device: group 3: block 12", newErr.Error())
	assert.ErrorIs(t, newErr, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, errors.ENOSPC, errors.ErrnoOf(newErr))
}

func TestErrnoOf(t *testing.T) {
	assert.Equal(t, errors.EOK, errors.ErrnoOf(nil))
	assert.Equal(t, errors.EIO, errors.ErrnoOf(stderrors.New("disk on fire")))

	wrapped := fmt.Errorf("mounting: %w", errors.ErrNotSupported)
	assert.Equal(t, errors.ENOTSUP, errors.ErrnoOf(wrapped))
}

func TestCastToDriverError(t *testing.T) {
	assert.Nil(t, errors.CastToDriverError(nil))

	same := errors.CastToDriverError(errors.ErrFileTooLarge)
	assert.Equal(t, errors.EFBIG, same.Errno())

	cast := errors.CastToDriverError(stderrors.New("short write"))
	assert.Equal(t, errors.EIO, cast.Errno())
	assert.Equal(t, "Input/output error: short write", cast.Error())
}

func TestStrError__Unknown(t *testing.T) {
	assert.Equal(t, "error 9999 not recognized.", errors.StrError(errors.Errno(9999)))
}

func TestDriverErrorIs__MatchesByErrno(t *testing.T) {
	err := errors.NewWithMessage(errors.ENOENT, "inode 12 has no entry named foo")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.NotErrorIs(t, err, errors.ErrExists)
}
