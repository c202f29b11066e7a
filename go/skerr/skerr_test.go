package skerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var base = errors.New("root cause")

func TestWrap_AlreadyWrapped_ReturnsSameError(t *testing.T) {
	once := Wrap(base)
	require.Same(t, once, Wrap(once))
}

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.NoError(t, Wrapf(nil, "context %d", 1))
}

func TestWrapf_AddsContextOutsideIn(t *testing.T) {
	err := Wrapf(base, "loading stock %s", "abc")
	err = Wrapf(err, "settling job %d", 7)
	require.Contains(t, err.Error(), "settling job 7: loading stock abc: root cause")
}

func TestUnwrap_RecoversOriginal(t *testing.T) {
	err := Wrapf(base, "context")
	require.Equal(t, base, Unwrap(err))
	require.True(t, errors.Is(err, base))
}

func TestFmt_SupportsErrorsIs(t *testing.T) {
	err := Fmt("decorating: %w", base)
	require.True(t, errors.Is(err, base))
	require.Contains(t, err.Error(), "decorating: root cause")
}

func TestCallStack_IncludesThisFile(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"))
	withContext := err.(*ErrorWithContext)
	require.NotEmpty(t, withContext.CallStack)
	require.Contains(t, withContext.CallStack[0].File, "skerr_test.go")
}

func TestCallStack_FmtAndWrapfStartAtCaller(t *testing.T) {
	for _, err := range []error{Fmt("boom"), Wrapf(errors.New("boom"), "context")} {
		withContext := err.(*ErrorWithContext)
		require.NotEmpty(t, withContext.CallStack)
		require.Contains(t, withContext.CallStack[0].File, "skerr_test.go")
	}
}
