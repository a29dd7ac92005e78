package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableFollowsRegistry(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
		class     Class
	}{
		{CodeStepTimeout, true, ClassTransient},
		{CodeDispatchFailure, true, ClassTransient},
		{CodeSafetyBlocked, false, ClassSafety},
		{CodeInvalidInput, false, ClassInput},
		{CodeCyclicDependency, false, ClassInput},
		{CodeCapacityExceeded, false, ClassCapacity},
		{CodeConflictRejected, false, ClassConflict},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		require.Equal(t, tc.retryable, RetryableError(err), tc.code)
		require.Equal(t, tc.class, ClassOf(err), tc.code)
	}
}

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("dispatch: %w", Wrap(CodeDispatchFailure, cause, "send failed"))

	require.True(t, IsCode(err, CodeDispatchFailure))
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, New(CodeDispatchFailure, ""))
	require.Contains(t, err.Error(), "connection reset")
}

func TestOverrides(t *testing.T) {
	err := New(CodeStepTimeout, "", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical), WithMetadata("step", "s1"))
	require.False(t, RetryableError(err))
	require.True(t, ShouldAlert(err))
	require.Equal(t, SeverityCritical, SeverityOf(err))
	require.Equal(t, "s1", err.Metadata()["step"])
	require.Equal(t, "step timed out", err.Message())
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stdErrors.New("plain")
	require.Equal(t, CodeUnknown, CodeOf(err))
	require.False(t, RetryableError(err))
	require.Equal(t, ClassInternal, ClassOf(err))
	require.Equal(t, SeverityCritical, SeverityOf(err))

	Register("CUSTOM", Attributes{Message: "custom", Class: ClassTransient, Retryable: true})
	require.True(t, RetryableError(New("CUSTOM", "")))
	require.Contains(t, Codes(), Code("CUSTOM"))
}
