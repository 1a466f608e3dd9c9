package claim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendance-service/internal/authority"
	"attendance-service/internal/discovery"
	"attendance-service/internal/model"
	"attendance-service/internal/transport"
)

// State is the claim state machine position
type State int

const (
	StateScanning State = iota
	StateAwaitingSubmit
	StateAwaitingBiometric
	StatePresent
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateAwaitingSubmit:
		return "awaiting_submit"
	case StateAwaitingBiometric:
		return "awaiting_biometric"
	case StatePresent:
		return "present"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StatePresent || s == StateRejected
}

// AssertionProvider yields the claimant's biometric assertion. This is the
// protocol envelope around the device sensor; the matching algorithm itself
// lives behind the authority.
type AssertionProvider interface {
	Assertion(ctx context.Context, sessionID string) (string, error)
}

// AssertionFunc adapts a function to AssertionProvider
type AssertionFunc func(ctx context.Context, sessionID string) (string, error)

func (f AssertionFunc) Assertion(ctx context.Context, sessionID string) (string, error) {
	return f(ctx, sessionID)
}

// Config carries the per-claim protocol tunables
type Config struct {
	ServiceID     string
	StudentID     string
	Credential    string
	SignalFloor   int
	ScanTimeout   time.Duration
	SubmitRetries int
	RetryBackoff  time.Duration
}

// Claim sequences Discover -> Submit -> BiometricVerify into a single
// attendance decision. Single-threaded: at most one outstanding operation at
// a time; drive it with Run or with the individual step methods. A Claim is
// one protocol run producing one AttendanceAttempt; a new run after a
// terminal state requires a new Claim.
type Claim struct {
	cfg        Config
	discoverer *discovery.Discoverer
	auth       authority.VerifyingAuthority
	assertions AssertionProvider
	logger     *zap.Logger

	mu        sync.Mutex
	state     State
	selected  *model.DiscoveryRecord
	attempt   model.AttendanceAttempt
	cancelled bool
	cancel    context.CancelFunc
}

// New creates a claim in Scanning with a fresh AttendanceAttempt
func New(cfg Config, d *discovery.Discoverer, auth authority.VerifyingAuthority, assertions AssertionProvider, logger *zap.Logger) *Claim {
	return &Claim{
		cfg:        cfg,
		discoverer: d,
		auth:       auth,
		assertions: assertions,
		logger:     logger,
		state:      StateScanning,
		attempt: model.AttendanceAttempt{
			AttemptID:   uuid.New().String(),
			StudentID:   cfg.StudentID,
			FinalStatus: model.StatusPending,
		},
	}
}

// State returns the current machine state
func (c *Claim) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns a snapshot of the attempt record
func (c *Claim) Attempt() model.AttendanceAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Cancel abandons the claim from any non-terminal state and lands in
// Rejected. Whatever the authority already durably recorded stands;
// cancellation is "claimant gives up", not undo.
func (c *Claim) Cancel() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.state = StateRejected
	c.attempt.FinalStatus = model.StatusRejected
	cancel := c.cancel
	c.mu.Unlock()

	c.discoverer.Stop()
	if cancel != nil {
		cancel()
	}

	c.logger.Info("Claim cancelled", zap.String("attempt_id", c.attempt.AttemptID))
}

// Run drives the machine to a terminal state or a recoverable error. On a
// stale or duplicate submission it clears the selected session and loops back
// through discovery; discovery timeouts and authority unreachability are
// returned to the caller with the machine left in its current state.
func (c *Claim) Run(ctx context.Context) (model.AttendanceAttempt, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		if err := c.checkCancelled(); err != nil {
			return c.Attempt(), err
		}

		switch c.State() {
		case StateScanning:
			if err := c.Discover(runCtx); err != nil {
				return c.Attempt(), err
			}
		case StateAwaitingSubmit:
			err := c.Submit(runCtx)
			switch {
			case err == nil:
			case errors.Is(err, ErrStaleToken), errors.Is(err, ErrDuplicateSubmission):
				// back to Scanning; loop re-discovers a fresh token
				continue
			default:
				return c.Attempt(), err
			}
		case StateAwaitingBiometric:
			if err := c.ConfirmBiometric(runCtx); err != nil {
				return c.Attempt(), err
			}
		case StatePresent:
			return c.Attempt(), nil
		case StateRejected:
			if c.isCancelled() {
				return c.Attempt(), ErrCancelled
			}
			return c.Attempt(), nil
		}
	}
}

// Discover runs one scan and selects the first session whose signal quality
// clears the configured floor. Competing records for other sessions are
// ignored once one is selected; the observed token value is retained for
// submission.
func (c *Claim) Discover(ctx context.Context) error {
	if err := c.requireState(StateScanning); err != nil {
		return err
	}

	filter := transport.Filter{ServiceID: c.cfg.ServiceID}
	records, err := c.discoverer.Scan(ctx, filter, c.cfg.ScanTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrUnavailable) || errors.Is(err, transport.ErrClosed) {
			return ErrTransportUnavailable
		}
		return ErrTransportUnavailable
	}

	for record := range records {
		if record.SignalQuality < c.cfg.SignalFloor {
			c.logger.Debug("Ignoring weak signal",
				zap.String("session_id", record.SessionID),
				zap.Int("signal_quality", record.SignalQuality),
				zap.Int("floor", c.cfg.SignalFloor))
			continue
		}

		c.mu.Lock()
		if c.state != StateScanning {
			c.mu.Unlock()
			return nil
		}
		selected := record
		c.selected = &selected
		c.attempt.SessionID = record.SessionID
		c.attempt.SubmittedToken = record.TokenValue
		c.state = StateAwaitingSubmit
		c.mu.Unlock()

		c.discoverer.Stop()

		c.logger.Info("Session discovered",
			zap.String("session_id", record.SessionID),
			zap.String("course_name", record.CourseName),
			zap.Int("signal_quality", record.SignalQuality))

		return nil
	}

	if err := c.checkCancelled(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ErrTransportUnavailable
	}
	return ErrDiscoveryTimeout
}

// Submit sends the retained token to the authority. The authority is the
// single source of truth on freshness and duplication; client-side slot
// comparison is never a substitute for its decision.
func (c *Claim) Submit(ctx context.Context) error {
	if err := c.requireState(StateAwaitingSubmit); err != nil {
		return err
	}

	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	if selected == nil {
		return ErrInvalidTransition
	}

	req := authority.SubmitRequest{
		SessionID:  selected.SessionID,
		TokenValue: selected.TokenValue,
		ObservedAt: selected.ObservedAt,
		RSSI:       selected.SignalQuality,
	}

	var result model.SubmitResult
	err := c.withRetries(ctx, func(callCtx context.Context) error {
		var callErr error
		result, callErr = c.auth.SubmitToken(callCtx, c.cfg.Credential, req)
		return callErr
	})
	if err != nil {
		if cancelErr := c.checkCancelled(); cancelErr != nil {
			return cancelErr
		}
		// machine stays in AwaitingSubmit; the user may retry this step
		return ErrAuthorityUnreachable
	}

	if !result.Accepted {
		return c.rejectSubmission(result.Reason)
	}

	c.mu.Lock()
	c.attempt.TokenCount = result.TokenCount
	c.attempt.FinalStatus = result.FinalStatus
	c.attempt.CheckInTime = time.Now()
	c.state = StateAwaitingBiometric
	c.mu.Unlock()

	c.logger.Info("Token accepted",
		zap.String("session_id", req.SessionID),
		zap.Int("token_count", result.TokenCount))

	return nil
}

// ConfirmBiometric obtains the assertion and asks the authority for the
// joint decision, adopting the returned final_status verbatim. The machine
// never short-circuits to Present on biometric success alone.
func (c *Claim) ConfirmBiometric(ctx context.Context) error {
	if err := c.requireState(StateAwaitingBiometric); err != nil {
		return err
	}

	c.mu.Lock()
	sessionID := c.attempt.SessionID
	c.mu.Unlock()

	assertion, err := c.assertions.Assertion(ctx, sessionID)
	if err != nil {
		if cancelErr := c.checkCancelled(); cancelErr != nil {
			return cancelErr
		}
		c.reject()
		return ErrBiometricRejected
	}

	req := authority.VerifyRequest{
		SessionID: sessionID,
		Assertion: assertion,
	}

	var result model.BiometricResult
	err = c.withRetries(ctx, func(callCtx context.Context) error {
		var callErr error
		result, callErr = c.auth.VerifyBiometric(callCtx, c.cfg.Credential, req)
		return callErr
	})
	if err != nil {
		if cancelErr := c.checkCancelled(); cancelErr != nil {
			return cancelErr
		}
		// stays in AwaitingBiometric for a user-driven retry
		return ErrAuthorityUnreachable
	}

	now := time.Now()
	c.mu.Lock()
	c.attempt.BiometricPassed = result.Verified
	c.attempt.TokenCount = result.TokenCount
	c.attempt.FinalStatus = result.FinalStatus
	c.attempt.CheckOutTime = &now
	if result.FinalStatus == model.StatusPresent {
		c.state = StatePresent
	} else {
		c.state = StateRejected
	}
	state := c.state
	c.mu.Unlock()

	c.logger.Info("Attendance finalized",
		zap.String("session_id", sessionID),
		zap.String("final_status", string(result.FinalStatus)),
		zap.Bool("verified", result.Verified),
		zap.Int("token_count", result.TokenCount))

	if state == StateRejected {
		return ErrBiometricRejected
	}
	return nil
}

// rejectSubmission maps an authority rejection reason onto the taxonomy and
// the corresponding transition
func (c *Claim) rejectSubmission(reason string) error {
	switch reason {
	case model.ReasonStaleToken:
		c.backToScanning()
		return ErrStaleToken
	case model.ReasonDuplicateSubmission:
		c.backToScanning()
		return ErrDuplicateSubmission
	case model.ReasonUnknownSession, model.ReasonSessionEnded:
		c.reject()
		return ErrSessionRejected
	default:
		c.backToScanning()
		return ErrStaleToken
	}
}

// backToScanning clears the selected session so re-discovery is required;
// resubmitting a now-stale token is structurally impossible
func (c *Claim) backToScanning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.selected = nil
	c.attempt.SubmittedToken = ""
	c.state = StateScanning
}

func (c *Claim) reject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = StateRejected
	c.attempt.FinalStatus = model.StatusRejected
}

func (c *Claim) requireState(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return ErrCancelled
	}
	if c.state != want {
		return ErrInvalidTransition
	}
	return nil
}

func (c *Claim) checkCancelled() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return ErrCancelled
	}
	return nil
}

func (c *Claim) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// withRetries applies the bounded retry-with-backoff policy for authority
// calls. Only transport-level failures are retried; an answered request is
// final whatever its verdict.
func (c *Claim) withRetries(ctx context.Context, call func(context.Context) error) error {
	backoff := c.cfg.RetryBackoff
	attempts := c.cfg.SubmitRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, authority.ErrUnreachable) && ctx.Err() == nil {
			return lastErr
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	return lastErr
}
