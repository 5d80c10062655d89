// Package autofrerr defines the error taxonomy shared across the engine.
//
// Only three kinds are treated as invariant breaches and abort the run
// (ErrMissingActionSpace, ErrRootMissing, ErrPolicyMissingQValue); every
// per-pull and per-snapshot failure is recovered locally by the caller.
package autofrerr

import "errors"

var (
	// ErrInvalidSiteFeedback signals that the baseline observation carries
	// fewer ads than the configured minimum; the experiment cannot start.
	ErrInvalidSiteFeedback = errors.New("invalid site feedback: baseline has no usable ads")

	// ErrMissingActionSpace is returned when the action space is used
	// before Build has run.
	ErrMissingActionSpace = errors.New("action space has not been built")

	// ErrRootMissing means the site root URL has no derivable eSLD.
	ErrRootMissing = errors.New("site root has no derivable eSLD")

	// ErrSnapshotInvalid marks a snapshot that fails validation (no ads,
	// or neither images nor text nodes).
	ErrSnapshotInvalid = errors.New("site snapshot is invalid")

	// ErrSnapshotMissing marks a snapshot file that cannot be loaded.
	ErrSnapshotMissing = errors.New("site snapshot cannot be loaded")

	// ErrMatcherFailure marks a rule set whose matcher failed to compile.
	// The pull treats the rule set as matching nothing.
	ErrMatcherFailure = errors.New("rule matcher compilation failed")

	// ErrPullTimeout marks an arm evaluation that exceeded its deadline.
	ErrPullTimeout = errors.New("arm pull timed out")

	// ErrPullFailure marks an arm evaluation that failed for any other
	// reason. The observation is dropped.
	ErrPullFailure = errors.New("arm pull failed")

	// ErrPolicyMissingQValue reports a Q-table invariant breach during
	// arm selection.
	ErrPolicyMissingQValue = errors.New("policy found arm without q-value state")

	// ErrNoViableArms is returned when initialization leaves no awake arm
	// to explore.
	ErrNoViableArms = errors.New("no viable arms after initialization")
)

// Exit codes for the CLI driver.
const (
	ExitOK            = 0
	ExitInvalidArgs   = 2
	ExitNoSnapshots   = 3
	ExitNoViableArms  = 4
	ExitInternalError = 5
)

// ExitCode maps an error to the documented process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidSiteFeedback),
		errors.Is(err, ErrSnapshotMissing),
		errors.Is(err, ErrSnapshotInvalid):
		return ExitNoSnapshots
	case errors.Is(err, ErrNoViableArms):
		return ExitNoViableArms
	default:
		return ExitInternalError
	}
}

// Fatal reports whether err is one of the invariant breaches that must
// abort the run instead of being recovered locally.
func Fatal(err error) bool {
	return errors.Is(err, ErrMissingActionSpace) ||
		errors.Is(err, ErrRootMissing) ||
		errors.Is(err, ErrPolicyMissingQValue)
}
