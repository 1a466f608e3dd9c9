package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/model"
)

// Client is the HTTP implementation of VerifyingAuthority. One attempt per
// call; retry policy belongs to the claim state machine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an authority client for the given base URL
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *Client) SubmitToken(ctx context.Context, credential string, req SubmitRequest) (model.SubmitResult, error) {
	var result model.SubmitResult
	if err := c.post(ctx, credential, "/api/v1/attendance/token/submit", req, &result); err != nil {
		return model.SubmitResult{}, err
	}

	c.logger.Debug("Token submitted",
		zap.String("session_id", req.SessionID),
		zap.Bool("accepted", result.Accepted),
		zap.String("reason", result.Reason))

	return result, nil
}

func (c *Client) VerifyBiometric(ctx context.Context, credential string, req VerifyRequest) (model.BiometricResult, error) {
	var result model.BiometricResult
	if err := c.post(ctx, credential, "/api/v1/attendance/biometric/verify", req, &result); err != nil {
		return model.BiometricResult{}, err
	}

	c.logger.Debug("Biometric verified",
		zap.String("session_id", req.SessionID),
		zap.Bool("verified", result.Verified),
		zap.String("final_status", string(result.FinalStatus)))

	return result, nil
}

// post sends a JSON request and decodes the authority's envelope. Protocol
// rejections arrive as 200 responses with accepted=false; non-2xx statuses
// are transport-level failures.
func (c *Client) post(ctx context.Context, credential, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authority rejected request: status %d: %s", resp.StatusCode, raw)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !envelope.Success {
		return fmt.Errorf("authority error: %s", envelope.Error)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return nil
}
