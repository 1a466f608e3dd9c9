package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attendance-service/internal/authority"
	"attendance-service/internal/biometric"
	"attendance-service/internal/client"
	"attendance-service/internal/config"
	"attendance-service/internal/model"
	redisrepo "attendance-service/internal/repository/redis"
	"attendance-service/internal/repository/scylla"
	"attendance-service/internal/token"
)

// --- fakes ---

type fakeStore struct {
	sessions map[string]model.Session
	attempts map[string]model.AttendanceAttempt
	refs     map[string]*biometric.Reference

	submissions int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]model.Session),
		attempts: make(map[string]model.AttendanceAttempt),
		refs:     make(map[string]*biometric.Reference),
	}
}

func attemptKey(sessionID, studentID string) string { return sessionID + "/" + studentID }

func (s *fakeStore) CreateSession(ctx context.Context, session model.Session) error {
	s.sessions[session.SessionID] = session
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrSessionNotFound
	}
	return &session, nil
}

func (s *fakeStore) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	session, ok := s.sessions[sessionID]
	if !ok {
		return scylla.ErrSessionNotFound
	}
	session.Status = model.SessionEnded
	session.EndTime = &endTime
	s.sessions[sessionID] = session
	return nil
}

func (s *fakeStore) UpsertAttempt(ctx context.Context, attempt model.AttendanceAttempt) error {
	s.attempts[attemptKey(attempt.SessionID, attempt.StudentID)] = attempt
	return nil
}

func (s *fakeStore) GetAttempt(ctx context.Context, sessionID, studentID string) (*model.AttendanceAttempt, error) {
	attempt, ok := s.attempts[attemptKey(sessionID, studentID)]
	if !ok {
		return nil, scylla.ErrAttemptNotFound
	}
	return &attempt, nil
}

func (s *fakeStore) RecordSubmission(ctx context.Context, sessionID, studentID, tokenValue string, timeSlot int64, rssi int, observedAt time.Time) error {
	s.submissions++
	return nil
}

func (s *fakeStore) PutBiometricReference(ctx context.Context, studentID string, ref *biometric.Reference) error {
	s.refs[studentID] = ref
	return nil
}

func (s *fakeStore) GetBiometricReference(ctx context.Context, studentID string) (*biometric.Reference, error) {
	ref, ok := s.refs[studentID]
	if !ok {
		return nil, scylla.ErrStudentNotFound
	}
	return ref, nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }

type fakeCache struct {
	sessions map[string]model.Session
	marks    map[string]bool
	counts   map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		sessions: make(map[string]model.Session),
		marks:    make(map[string]bool),
		counts:   make(map[string]int),
	}
}

func (c *fakeCache) PutSession(ctx context.Context, session model.Session, ttl time.Duration) error {
	c.sessions[session.SessionID] = session
	return nil
}

func (c *fakeCache) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, redisrepo.ErrSessionNotFound
	}
	return &session, nil
}

func (c *fakeCache) EndSession(ctx context.Context, sessionID string, gracePeriod time.Duration) error {
	session, ok := c.sessions[sessionID]
	if !ok {
		return redisrepo.ErrSessionNotFound
	}
	session.Status = model.SessionEnded
	c.sessions[sessionID] = session
	return nil
}

func (c *fakeCache) MarkSubmission(ctx context.Context, sessionID, studentID, tokenValue string, rotationInterval time.Duration) (bool, error) {
	key := sessionID + "/" + studentID + "/" + tokenValue
	if c.marks[key] {
		return false, nil
	}
	c.marks[key] = true
	return true, nil
}

func (c *fakeCache) IncrTokenCount(ctx context.Context, sessionID, studentID string, ttl time.Duration) (int, error) {
	key := sessionID + "/" + studentID
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCache) GetTokenCount(ctx context.Context, sessionID, studentID string) (int, error) {
	return c.counts[sessionID+"/"+studentID], nil
}

type fakeEvents struct {
	events []client.AttendanceEvent
}

func (f *fakeEvents) PublishEvent(ctx context.Context, event client.AttendanceEvent) error {
	f.events = append(f.events, event)
	return nil
}

// --- harness ---

type harness struct {
	svc       *AttendanceService
	store     *fakeStore
	cache     *fakeCache
	events    *fakeEvents
	generator *token.Generator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newFakeStore()
	cache := newFakeCache()
	events := &fakeEvents{}
	gen := token.NewGenerator(time.Hour)
	matcher := biometric.NewMatcher(biometric.Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})

	protocol := config.ProtocolConfig{
		ServiceID:        "svc-1",
		RotationInterval: time.Hour,
		GraceSlots:       1,
	}

	return &harness{
		svc:       NewAttendanceService(store, cache, gen, matcher, events, nil, protocol, zap.NewNop()),
		store:     store,
		cache:     cache,
		events:    events,
		generator: gen,
	}
}

func (h *harness) startSession(t *testing.T) *model.Session {
	t.Helper()
	session, err := h.svc.StartSession(context.Background(), SessionCreateRequest{
		CourseName: "Compilers",
		Classroom:  "K-12",
		TeacherID:  "teacher-1",
	})
	require.NoError(t, err)
	return session
}

func (h *harness) currentToken(sessionID string) string {
	return h.generator.Generate(sessionID, h.generator.CurrentSlot())
}

// --- tests ---

func TestStartSessionValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartSession(context.Background(), SessionCreateRequest{Classroom: "K-12"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.StartSession(context.Background(), SessionCreateRequest{CourseName: "Compilers"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStartSessionSanitizesFreeText(t *testing.T) {
	h := newHarness(t)

	session, err := h.svc.StartSession(context.Background(), SessionCreateRequest{
		CourseName: "  <script>Math</script>  ",
		Classroom:  "A-1",
	})
	require.NoError(t, err)
	assert.NotContains(t, session.CourseName, "<script>")
	assert.Equal(t, "A-1", session.Classroom)
}

func TestStartSessionRegistersEverywhere(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	assert.Contains(t, h.store.sessions, session.SessionID)
	assert.Contains(t, h.cache.sessions, session.SessionID)
	require.Len(t, h.events.events, 1)
	assert.Equal(t, client.EventSessionStarted, h.events.events[0].EventType)
}

func TestSubmitTokenUnknownSession(t *testing.T) {
	h := newHarness(t)

	result, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  "no-such-session",
		TokenValue: "0000000000000000",
		ObservedAt: time.Now(),
	})
	require.NoError(t, err, "a rejection is a result, not an error")
	assert.False(t, result.Accepted)
	assert.Equal(t, model.ReasonUnknownSession, result.Reason)
}

func TestSubmitTokenSessionEnded(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)
	require.NoError(t, h.svc.EndSession(context.Background(), session.SessionID))

	result, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: h.currentToken(session.SessionID),
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, model.ReasonSessionEnded, result.Reason)
}

func TestSubmitTokenStale(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	// two slots back is outside the one-slot grace window
	stale := h.generator.Generate(session.SessionID, h.generator.CurrentSlot()-2)
	result, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: stale,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, model.ReasonStaleToken, result.Reason)
}

func TestSubmitTokenGraceSlotAccepted(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	previous := h.generator.Generate(session.SessionID, h.generator.CurrentSlot()-1)
	result, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: previous,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted, "previous slot is within the grace window")
	assert.Equal(t, 1, result.TokenCount)
}

func TestSubmitTokenAcceptedAndCounted(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	result, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: h.currentToken(session.SessionID),
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, result.TokenCount)
	assert.Equal(t, model.StatusPending, result.FinalStatus)

	attempt, err := h.store.GetAttempt(context.Background(), session.SessionID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.TokenCount)
	assert.Equal(t, model.StatusPending, attempt.FinalStatus)
	assert.Equal(t, 1, h.store.submissions)

	// previous slot is a distinct token and counts separately
	previous := h.generator.Generate(session.SessionID, h.generator.CurrentSlot()-1)
	result, err = h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: previous,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 2, result.TokenCount)
}

func TestSubmitTokenDuplicate(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)
	value := h.currentToken(session.SessionID)

	first, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: value,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: value,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, model.ReasonDuplicateSubmission, second.Reason)

	// the same token from a different student is not a duplicate
	other, err := h.svc.SubmitToken(context.Background(), "student-2", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: value,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, other.Accepted)
}

func TestSubmitTokenValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitToken(context.Background(), "", authority.SubmitRequest{SessionID: "s", TokenValue: "t"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyBiometricRequiresSubmission(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	_, err := h.svc.VerifyBiometric(context.Background(), "student-1", authority.VerifyRequest{
		SessionID: session.SessionID,
		Assertion: "thumb",
	})
	assert.ErrorIs(t, err, ErrNoSubmission)
}

func TestVerifyBiometricPresent(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	require.NoError(t, h.svc.EnrollBiometric(context.Background(), "student-1", "thumb-template"))

	_, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: h.currentToken(session.SessionID),
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)

	result, err := h.svc.VerifyBiometric(context.Background(), "student-1", authority.VerifyRequest{
		SessionID: session.SessionID,
		Assertion: "thumb-template",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, result.FinalStatus)
	assert.True(t, result.Verified)
	assert.Equal(t, 1, result.TokenCount)

	attempt, err := h.store.GetAttempt(context.Background(), session.SessionID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, attempt.FinalStatus)
	assert.True(t, attempt.BiometricPassed)
	require.NotNil(t, attempt.CheckOutTime)
}

func TestVerifyBiometricWrongAssertion(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	require.NoError(t, h.svc.EnrollBiometric(context.Background(), "student-1", "thumb-template"))

	_, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: h.currentToken(session.SessionID),
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)

	result, err := h.svc.VerifyBiometric(context.Background(), "student-1", authority.VerifyRequest{
		SessionID: session.SessionID,
		Assertion: "not-my-thumb",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, result.FinalStatus)
	assert.False(t, result.Verified)
}

func TestVerifyBiometricWithoutEnrolment(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	_, err := h.svc.SubmitToken(context.Background(), "student-1", authority.SubmitRequest{
		SessionID:  session.SessionID,
		TokenValue: h.currentToken(session.SessionID),
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)

	result, err := h.svc.VerifyBiometric(context.Background(), "student-1", authority.VerifyRequest{
		SessionID: session.SessionID,
		Assertion: "anything",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, result.FinalStatus, "no enrolment on file means the assertion cannot verify")
	assert.False(t, result.Verified)
}

func TestEndSessionIdempotent(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	require.NoError(t, h.svc.EndSession(context.Background(), session.SessionID))
	require.NoError(t, h.svc.EndSession(context.Background(), session.SessionID))

	stored, err := h.store.GetSession(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, stored.Status)

	err = h.svc.EndSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCurrentToken(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	tok, err := h.svc.CurrentToken(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, h.currentToken(session.SessionID), tok.Value)
	assert.Equal(t, h.generator.CurrentSlot(), tok.TimeSlot)

	require.NoError(t, h.svc.EndSession(context.Background(), session.SessionID))
	_, err = h.svc.CurrentToken(context.Background(), session.SessionID)
	assert.Error(t, err, "an ended session advertises no token")
}

func TestSessionAnalyticsWithoutSink(t *testing.T) {
	h := newHarness(t)
	session := h.startSession(t)

	_, err := h.svc.SessionAnalytics(context.Background(), session.SessionID)
	assert.Error(t, err)
}
