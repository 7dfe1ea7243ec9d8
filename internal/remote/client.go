package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// Authority applies mutations against the canonical list state.
//
// Apply must be idempotent on the mutation ID: resending an
// already-applied mutation returns the same success response instead of
// applying it twice.
type Authority interface {
	// Apply submits one mutation. On success it returns the authoritative
	// entity after the change (nil for deletes). Conflicts surface as a
	// *ConflictError carrying the remote copy; everything else maps to
	// the transient/permanent taxonomy.
	Apply(ctx context.Context, m *mutation.Mutation) (*item.Item, error)

	// Ping checks reachability without side effects.
	Ping(ctx context.Context) error
}

// Config holds the HTTP client settings.
type Config struct {
	// BaseURL is the authority endpoint, e.g. "https://lists.example.com".
	BaseURL string

	// Token is the bearer token sent on every request. Empty disables auth.
	Token string

	// Timeout bounds each request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Authority.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates an authority client from config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  hc,
	}, nil
}

// applyRequest is the wire form of a mutation submission.
type applyRequest struct {
	ID        string           `json:"id"`
	Type      mutation.Type    `json:"type"`
	TargetID  string           `json:"target_id"`
	Payload   mutation.Payload `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// applyResponse is what the authority returns for both success and
// conflict. On conflict, Item is the authoritative copy that won.
type applyResponse struct {
	Item  *item.Item `json:"item,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Apply implements Authority.
func (c *Client) Apply(ctx context.Context, m *mutation.Mutation) (*item.Item, error) {
	body, err := json.Marshal(applyRequest{
		ID:        m.ID,
		Type:      m.Type,
		TargetID:  m.TargetID,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
	})
	if err != nil {
		return nil, &PermanentError{Op: "apply", Reason: fmt.Sprintf("failed to encode mutation: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Op: "apply", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError("apply", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Op: "apply", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out applyResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, &TransientError{Op: "apply", Err: fmt.Errorf("malformed response: %w", err)}
		}
		return out.Item, nil

	case resp.StatusCode == http.StatusConflict:
		var out applyResponse
		if err := json.Unmarshal(data, &out); err != nil || out.Item == nil {
			return nil, &TransientError{Op: "apply", Err: fmt.Errorf("conflict response missing remote entity")}
		}
		return nil, &ConflictError{EntityID: m.TargetID, Remote: out.Item}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Op: "apply", Err: fmt.Errorf("authority returned %d: %s", resp.StatusCode, errorBody(data))}

	default:
		// 4xx other than 409/429: the mutation itself is unacceptable.
		return nil, &PermanentError{Op: "apply", Reason: fmt.Sprintf("authority rejected mutation (%d): %s", resp.StatusCode, errorBody(data))}
	}
}

// Ping implements Authority.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError("ping", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &TransientError{Op: "ping", Err: fmt.Errorf("authority returned %d", resp.StatusCode)}
	}
	return nil
}

// transportError classifies a failed round trip. A deadline expiry means
// the server is reachable but slow: that retries like any other transient
// fault. Connection-level failures (refused, DNS, no route) mean the
// authority is unreachable.
func transportError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%w: %v", ErrOffline, err)
}

func errorBody(data []byte) string {
	var out applyResponse
	if err := json.Unmarshal(data, &out); err == nil && out.Error != "" {
		return out.Error
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "no detail"
	}
	return s
}
