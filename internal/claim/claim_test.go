package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attendance-service/internal/authority"
	"attendance-service/internal/discovery"
	"attendance-service/internal/model"
	"attendance-service/internal/transport"
)

// scripted is one canned authority answer
type scripted struct {
	result model.SubmitResult
	err    error
}

// fakeAuthority pops scripted submit answers in order, repeating the last one
// when the script runs out
type fakeAuthority struct {
	mu           sync.Mutex
	submitScript []scripted
	verifyResult model.BiometricResult
	verifyErr    error

	submits  []authority.SubmitRequest
	verifies []authority.VerifyRequest
}

func (f *fakeAuthority) SubmitToken(ctx context.Context, credential string, req authority.SubmitRequest) (model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)

	s := f.submitScript[0]
	if len(f.submitScript) > 1 {
		f.submitScript = f.submitScript[1:]
	}
	return s.result, s.err
}

func (f *fakeAuthority) VerifyBiometric(ctx context.Context, credential string, req authority.VerifyRequest) (model.BiometricResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies = append(f.verifies, req)
	return f.verifyResult, f.verifyErr
}

func (f *fakeAuthority) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func testConfig() Config {
	return Config{
		ServiceID:     "svc-1",
		StudentID:     "student-1",
		Credential:    "bearer-token",
		SignalFloor:   -80,
		ScanTimeout:   time.Second,
		SubmitRetries: 3,
		RetryBackoff:  time.Millisecond,
	}
}

func publishLoop(ctx context.Context, bus *transport.SimulatedBus, sessionID string) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = bus.Publish(ctx, model.Advertisement{
				ServiceID:    "svc-1",
				SessionID:    sessionID,
				CourseName:   "Networks",
				Classroom:    "N-100",
				CurrentToken: "cafebabecafebabe",
				TimeSlot:     99,
				Timestamp:    time.Now(),
			})
		}
	}
}

func newTestClaim(t *testing.T, bus *transport.SimulatedBus, auth authority.VerifyingAuthority) *Claim {
	t.Helper()
	return New(testConfig(), discovery.New(bus, zap.NewNop()), auth,
		AssertionFunc(func(ctx context.Context, sessionID string) (string, error) {
			return "thumb-assertion", nil
		}), zap.NewNop())
}

func TestRunHappyPath(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{result: model.SubmitResult{Accepted: true, TokenCount: 1, FinalStatus: model.StatusPending}}},
		verifyResult: model.BiometricResult{FinalStatus: model.StatusPresent, Verified: true, TokenCount: 1},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatePresent, c.State())
	assert.Equal(t, model.StatusPresent, attempt.FinalStatus)
	assert.Equal(t, "s1", attempt.SessionID)
	assert.True(t, attempt.BiometricPassed)
	assert.Equal(t, 1, attempt.TokenCount)
	require.NotNil(t, attempt.CheckOutTime)

	require.Len(t, auth.submits, 1)
	assert.Equal(t, "cafebabecafebabe", auth.submits[0].TokenValue)
	require.Len(t, auth.verifies, 1)
	assert.Equal(t, "thumb-assertion", auth.verifies[0].Assertion)
}

func TestRunStaleTokenRediscovers(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{
			{result: model.SubmitResult{Accepted: false, Reason: model.ReasonStaleToken, FinalStatus: model.StatusPending}},
			{result: model.SubmitResult{Accepted: true, TokenCount: 1, FinalStatus: model.StatusPending}},
		},
		verifyResult: model.BiometricResult{FinalStatus: model.StatusPresent, Verified: true, TokenCount: 1},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatePresent, c.State())
	assert.Equal(t, model.StatusPresent, attempt.FinalStatus)
	assert.Equal(t, 2, auth.submitCount(), "stale rejection must force a fresh discovery and resubmission")
}

func TestRunDuplicateSubmissionRediscovers(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{
			{result: model.SubmitResult{Accepted: false, Reason: model.ReasonDuplicateSubmission, FinalStatus: model.StatusPending}},
			{result: model.SubmitResult{Accepted: true, TokenCount: 2, FinalStatus: model.StatusPending}},
		},
		verifyResult: model.BiometricResult{FinalStatus: model.StatusPresent, Verified: true, TokenCount: 2},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPresent, attempt.FinalStatus)
	assert.Equal(t, 2, attempt.TokenCount)
	assert.Equal(t, 2, auth.submitCount())
}

func TestRunUnknownSessionRejects(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{result: model.SubmitResult{Accepted: false, Reason: model.ReasonUnknownSession, FinalStatus: model.StatusPending}}},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrSessionRejected)

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, model.StatusRejected, attempt.FinalStatus)
	assert.Empty(t, auth.verifies, "no biometric step after a terminal rejection")
}

func TestRunSessionEndedRejects(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{result: model.SubmitResult{Accepted: false, Reason: model.ReasonSessionEnded, FinalStatus: model.StatusPending}}},
	}

	c := newTestClaim(t, bus, auth)
	_, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrSessionRejected)
	assert.Equal(t, StateRejected, c.State())
}

func TestDiscoverHonorsSignalFloor(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	bus.SetSignal("weak", -95)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "weak")
	go func() {
		// the strong session starts advertising a little later
		time.Sleep(100 * time.Millisecond)
		publishLoop(ctx, bus, "strong")
	}()

	c := newTestClaim(t, bus, &fakeAuthority{})
	require.NoError(t, c.Discover(ctx))

	attempt := c.Attempt()
	assert.Equal(t, "strong", attempt.SessionID, "records below the signal floor must be ignored")
	assert.Equal(t, StateAwaitingSubmit, c.State())
}

func TestDiscoverTimeout(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()

	cfg := testConfig()
	cfg.ScanTimeout = 50 * time.Millisecond
	c := New(cfg, discovery.New(bus, zap.NewNop()), &fakeAuthority{}, nil, zap.NewNop())

	err := c.Discover(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Equal(t, StateScanning, c.State(), "timeout leaves the machine in Scanning")
}

func TestSubmitRetriesUnreachable(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{
			{err: authority.ErrUnreachable},
			{err: authority.ErrUnreachable},
			{result: model.SubmitResult{Accepted: true, TokenCount: 1, FinalStatus: model.StatusPending}},
		},
		verifyResult: model.BiometricResult{FinalStatus: model.StatusPresent, Verified: true, TokenCount: 1},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPresent, attempt.FinalStatus)
	assert.Equal(t, 3, auth.submitCount(), "two failures then success within the retry budget")
}

func TestSubmitUnreachableExhaustsRetries(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{err: authority.ErrUnreachable}},
	}

	c := newTestClaim(t, bus, auth)
	_, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrAuthorityUnreachable)

	assert.Equal(t, StateAwaitingSubmit, c.State(), "machine stays put so the user can retry")
	assert.Equal(t, 3, auth.submitCount())
}

func TestBiometricRejection(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{result: model.SubmitResult{Accepted: true, TokenCount: 1, FinalStatus: model.StatusPending}}},
		verifyResult: model.BiometricResult{FinalStatus: model.StatusRejected, Verified: false, TokenCount: 1},
	}

	c := newTestClaim(t, bus, auth)
	attempt, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrBiometricRejected)

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, model.StatusRejected, attempt.FinalStatus, "authority verdict adopted verbatim")
	assert.False(t, attempt.BiometricPassed)
}

func TestAssertionFailureRejects(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishLoop(ctx, bus, "s1")

	auth := &fakeAuthority{
		submitScript: []scripted{{result: model.SubmitResult{Accepted: true, TokenCount: 1, FinalStatus: model.StatusPending}}},
	}

	c := New(testConfig(), discovery.New(bus, zap.NewNop()), auth,
		AssertionFunc(func(ctx context.Context, sessionID string) (string, error) {
			return "", errors.New("sensor offline")
		}), zap.NewNop())

	_, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrBiometricRejected)
	assert.Equal(t, StateRejected, c.State())
	assert.Empty(t, auth.verifies, "no authority call without an assertion")
}

func TestCancelDuringScan(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()

	cfg := testConfig()
	cfg.ScanTimeout = time.Minute
	c := New(cfg, discovery.New(bus, zap.NewNop()), &fakeAuthority{}, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, model.StatusRejected, c.Attempt().FinalStatus)

	// cancelling a terminal claim is a no-op
	c.Cancel()
	assert.Equal(t, StateRejected, c.State())
}

func TestStepOrderEnforced(t *testing.T) {
	bus := transport.NewSimulatedBus()
	defer bus.Close()

	c := newTestClaim(t, bus, &fakeAuthority{})

	assert.ErrorIs(t, c.Submit(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, c.ConfirmBiometric(context.Background()), ErrInvalidTransition)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "awaiting_submit", StateAwaitingSubmit.String())
	assert.Equal(t, "awaiting_biometric", StateAwaitingBiometric.String())
	assert.Equal(t, "present", StatePresent.String())
	assert.Equal(t, "rejected", StateRejected.String())

	assert.False(t, StateScanning.Terminal())
	assert.True(t, StatePresent.Terminal())
	assert.True(t, StateRejected.Terminal())
}
