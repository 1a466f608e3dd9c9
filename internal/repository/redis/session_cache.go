package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/client"
	"attendance-service/internal/model"
	"attendance-service/internal/util"
)

const (
	activeSessionPrefix   = "active_session:"
	submissionPrefix      = "token_submission:"
	tokenCountPrefix      = "token_count:"
	defaultCallTimeout    = 5 * time.Second
	submissionDedupWindow = 2
)

var ErrSessionNotFound = errors.New("session not found in cache")

// SessionCache holds the hot protocol state: the active-session registry,
// per-token submission dedup and per-attempt token counters. Durable history
// lives in the attendance store; everything here carries a TTL.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// PutSession registers or refreshes an active session. TTL covers the whole
// class window plus slack so an issuer crash eventually clears the registry.
func (c *SessionCache) PutSession(ctx context.Context, session model.Session, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := activeSessionPrefix + session.SessionID
	if err := c.client.Set(ctx, key, string(payload), ttl); err != nil {
		util.Error("Failed to cache session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to cache session: %w", err)
	}

	return nil
}

// GetSession looks a session up by id
func (c *SessionCache) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	key := activeSessionPrefix + sessionID
	payload, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// MarkSubmission records a (session, student, token) triple if unseen.
// Returns false when the same token was already submitted: the caller turns
// that into a duplicate_submission rejection. The dedup window outlives the
// token by a rotation interval so a late duplicate still collides.
func (c *SessionCache) MarkSubmission(ctx context.Context, sessionID, studentID, tokenValue string, rotationInterval time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	key := submissionPrefix + sessionID + ":" + studentID + ":" + tokenValue
	ttl := rotationInterval * submissionDedupWindow

	fresh, err := c.client.SetNX(ctx, key, time.Now().Unix(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to mark submission: %w", err)
	}

	return fresh, nil
}

// IncrTokenCount bumps and returns the accepted-token counter for an attempt
func (c *SessionCache) IncrTokenCount(ctx context.Context, sessionID, studentID string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	key := tokenCountPrefix + sessionID + ":" + studentID
	count, err := c.client.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to increment token count: %w", err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, ttl); err != nil {
			util.Warn("Failed to set token count TTL", zap.String("key", key), zap.Error(err))
		}
	}

	return int(count), nil
}

// GetTokenCount reads the accepted-token counter without bumping it
func (c *SessionCache) GetTokenCount(ctx context.Context, sessionID, studentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	key := tokenCountPrefix + sessionID + ":" + studentID
	val, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token count: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt token count for %s: %w", key, err)
	}
	return count, nil
}

// EndSession updates the cached session's status in place, keeping the entry
// alive briefly so late submissions reject with session_ended, not unknown
func (c *SessionCache) EndSession(ctx context.Context, sessionID string, gracePeriod time.Duration) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	session.Status = model.SessionEnded
	session.EndTime = &now

	return c.PutSession(ctx, *session, gracePeriod)
}
