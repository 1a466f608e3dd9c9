package claim

import "errors"

// Claim-boundary error taxonomy. Every transport- and authority-level
// failure is translated into one of these before it crosses the state
// machine's public contract; no raw network error leaks out.
var (
	// ErrTransportUnavailable: medium disabled or permission denied. Fatal
	// to the current scan; surfaced to the user, never retried automatically.
	ErrTransportUnavailable = errors.New("broadcast medium is unavailable or permission was denied")

	// ErrDiscoveryTimeout: the scan window elapsed with no matching session.
	// Recoverable; the user may retry the scan.
	ErrDiscoveryTimeout = errors.New("no class session was discovered before the scan timed out")

	// ErrStaleToken: the authority judged the submitted token stale. The
	// machine returns to Scanning and re-discovery is required.
	ErrStaleToken = errors.New("the discovered token was no longer fresh; rescan to pick up the current one")

	// ErrDuplicateSubmission: this token was already submitted for the
	// session. Recoverable via re-discovery of the next rotation.
	ErrDuplicateSubmission = errors.New("this token was already submitted for the session")

	// ErrAuthorityUnreachable: the verifying authority could not be reached
	// after bounded retries. The machine stays in its current state so the
	// user may retry the same step.
	ErrAuthorityUnreachable = errors.New("the verifying authority could not be reached; check connectivity and retry")

	// ErrBiometricRejected: terminal. The user must restart the whole flow.
	ErrBiometricRejected = errors.New("biometric confirmation was rejected")

	// ErrCancelled: the user abandoned the claim
	ErrCancelled = errors.New("attendance claim was cancelled")

	// ErrSessionRejected: the authority does not recognize the session or
	// the session has already ended. Terminal for this run.
	ErrSessionRejected = errors.New("the session is unknown to the authority or has already ended")

	// ErrInvalidTransition guards against driving a step from the wrong state
	ErrInvalidTransition = errors.New("operation not valid in the current claim state")
)
