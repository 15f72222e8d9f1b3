package errors_test

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DDDHLA/cursor-switcher/internal/errors"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := errors.New(errors.KindNotFound, "switch", "work", nil)

	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	assert.False(t, stderrors.Is(err, errors.ErrAlreadyExists))
	assert.Equal(t, `switch "work": profile not found`, err.Error())
}

func TestErrorSurvivesWrapping(t *testing.T) {
	base := errors.New(errors.KindStoreBusy, "lock", "", fmt.Errorf("timed out after 1s"))
	wrapped := fmt.Errorf("save: %w", base)

	assert.True(t, stderrors.Is(wrapped, errors.ErrStoreBusy))
	assert.Equal(t, errors.KindStoreBusy, errors.KindOf(wrapped))
	assert.Equal(t, 5, errors.ExitCode(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := errors.New(errors.KindIO, "export", "", fs.ErrPermission)
	assert.True(t, stderrors.Is(err, fs.ErrPermission))
	assert.True(t, stderrors.Is(err, errors.ErrIO))
}

func TestIOKeepsExistingKind(t *testing.T) {
	inner := errors.New(errors.KindCorruptSnapshot, "decode", "", nil)
	err := errors.IO("switch", "work", fmt.Errorf("load: %w", inner))
	assert.Equal(t, errors.KindCorruptSnapshot, errors.KindOf(err))

	plain := errors.IO("switch", "work", fs.ErrNotExist)
	assert.Equal(t, errors.KindIO, errors.KindOf(plain))
	assert.Nil(t, errors.IO("noop", "", nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind errors.Kind
		want int
	}{
		{errors.KindInvalidName, 2},
		{errors.KindNotFound, 3},
		{errors.KindAlreadyExists, 4},
		{errors.KindLiveStateBusy, 5},
		{errors.KindLiveStatePathMissing, 6},
		{errors.KindCorruptArchive, 7},
		{errors.KindIO, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errors.ExitCode(errors.New(tt.kind, "op", "", nil)), tt.kind)
	}
	assert.Equal(t, 1, errors.ExitCode(fmt.Errorf("plain")))
	assert.Equal(t, 0, errors.ExitCode(nil))
}
