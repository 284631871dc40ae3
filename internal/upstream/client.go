package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/cache"
	appErrors "github.com/classmesh/signaling/pkg/errors"
	"github.com/classmesh/signaling/pkg/logger"
	"github.com/classmesh/signaling/pkg/metrics"
)

const (
	defaultTimeout   = 5 * time.Second
	identityCacheTTL = 2 * time.Minute
	friendsCacheTTL  = 5 * time.Minute
	membersCacheTTL  = time.Minute
)

// Identity is the resolved owner of a validated token.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// CallRecord is the call-history row handed to the upstream for persistence.
type CallRecord struct {
	CallID     string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	IsVideo    bool       `json:"isVideo"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	EndedBy    string     `json:"endedBy,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	DurationMS int64      `json:"durationMs"`
}

// API is the capability surface the coordinators consume. The authorization
// checks soft-fail to deny and the persistence hook soft-fails to skip, so
// signaling never blocks on the REST tier.
type API interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
	IsBlocked(ctx context.Context, callerID, calleeID string) bool
	IsEnrolled(ctx context.Context, userID, roomID string) bool
	FriendIDs(ctx context.Context, userID string) []string
	ThreadMemberIDs(ctx context.Context, threadID string) []string
	PersistCallRecord(ctx context.Context, record CallRecord)
}

// Config carries the connection parameters for the upstream API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the upstream content/identity service over HTTPS.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	store   cache.Store
	log     *zap.Logger
}

// NewClient constructs an upstream client. The cache store is optional; pass
// nil to disable response caching.
func NewClient(cfg Config, store cache.Store) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("upstream: invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    &http.Client{Timeout: timeout},
		store:   store,
		log:     logger.WithModule("upstream"),
	}, nil
}

// ValidateToken resolves a bearer token to its owning identity. Tokens that
// fail local JWT parsing (malformed or expired) are rejected without an
// upstream round trip.
func (c *Client) ValidateToken(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, appErrors.ErrTokenInvalid
	}
	if err := precheckToken(token); err != nil {
		return Identity{}, err
	}

	cacheKey := "token:" + token
	if cached, ok := c.cachedJSON(ctx, cacheKey); ok {
		var identity Identity
		if json.Unmarshal(cached, &identity) == nil && identity.UserID != "" {
			return identity, nil
		}
	}

	var result Identity
	err := c.do(ctx, "validate_token", http.MethodPost, "/v1/auth/validate",
		map[string]string{"token": token}, &result)
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) && appErr.StatusCode == http.StatusUnauthorized {
			return Identity{}, appErrors.ErrTokenInvalid.WithInternal(err)
		}
		return Identity{}, appErrors.ErrUpstreamUnavailable.WithInternal(err)
	}
	if result.UserID == "" {
		return Identity{}, appErrors.ErrTokenInvalid
	}

	c.cacheJSON(ctx, cacheKey, result, identityCacheTTL)
	return result, nil
}

// IsBlocked reports whether the callee has blocked the caller. Upstream
// failures deny the call.
func (c *Client) IsBlocked(ctx context.Context, callerID, calleeID string) bool {
	var result struct {
		Blocked bool `json:"blocked"`
	}
	path := fmt.Sprintf("/v1/users/%s/blocks/%s", url.PathEscape(calleeID), url.PathEscape(callerID))
	if err := c.do(ctx, "is_blocked", http.MethodGet, path, nil, &result); err != nil {
		c.log.Warn("block check failed; defaulting to blocked", zap.Error(err),
			zap.String("caller_id", callerID), zap.String("callee_id", calleeID))
		return true
	}
	return result.Blocked
}

// IsEnrolled reports whether the user is enrolled in the room's class.
// Upstream failures deny the join.
func (c *Client) IsEnrolled(ctx context.Context, userID, roomID string) bool {
	var result struct {
		Enrolled bool `json:"enrolled"`
	}
	path := fmt.Sprintf("/v1/rooms/%s/enrollments/%s", url.PathEscape(roomID), url.PathEscape(userID))
	if err := c.do(ctx, "is_enrolled", http.MethodGet, path, nil, &result); err != nil {
		c.log.Warn("enrollment check failed; defaulting to deny", zap.Error(err),
			zap.String("user_id", userID), zap.String("room_id", roomID))
		return false
	}
	return result.Enrolled
}

// FriendIDs returns the user's friend list. Failures yield an empty list so
// presence broadcasts simply reach nobody.
func (c *Client) FriendIDs(ctx context.Context, userID string) []string {
	return c.idList(ctx, "friend_ids", "friends:"+userID, friendsCacheTTL,
		fmt.Sprintf("/v1/users/%s/friends", url.PathEscape(userID)))
}

// ThreadMemberIDs returns the member ids of a chat thread.
func (c *Client) ThreadMemberIDs(ctx context.Context, threadID string) []string {
	return c.idList(ctx, "thread_members", "thread:"+threadID, membersCacheTTL,
		fmt.Sprintf("/v1/threads/%s/members", url.PathEscape(threadID)))
}

// PersistCallRecord stores a finished call in the user's call history.
// Fire-and-forget: failures are logged, never surfaced.
func (c *Client) PersistCallRecord(ctx context.Context, record CallRecord) {
	if err := c.do(ctx, "persist_call", http.MethodPost, "/v1/calls", record, nil); err != nil {
		c.log.Warn("call record persistence failed", zap.Error(err),
			zap.String("call_id", record.CallID), zap.String("state", record.State))
	}
}

func (c *Client) idList(ctx context.Context, operation, cacheKey string, ttl time.Duration, path string) []string {
	if cached, ok := c.cachedJSON(ctx, cacheKey); ok {
		var ids []string
		if json.Unmarshal(cached, &ids) == nil {
			return ids
		}
	}

	var result struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, operation, http.MethodGet, path, nil, &result); err != nil {
		c.log.Warn("id list lookup failed", zap.Error(err), zap.String("operation", operation))
		return nil
	}

	c.cacheJSON(ctx, cacheKey, result.IDs, ttl)
	return result.IDs
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, body, out)
	metrics.UpstreamLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.UpstreamRequests.WithLabelValues(operation, "ok").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metrics.UpstreamRequests.WithLabelValues(operation, "timeout").Inc()
	default:
		metrics.UpstreamRequests.WithLabelValues(operation, "error").Inc()
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("upstream: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return appErrors.New("UPSTREAM_STATUS",
			fmt.Sprintf("upstream returned %d for %s %s", resp.StatusCode, method, path),
			resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

func (c *Client) cachedJSON(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	value, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	return value, true
}

func (c *Client) cacheJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.store == nil {
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, key, encoded, ttl)
}

// precheckToken rejects tokens that cannot possibly validate upstream:
// not a JWT at all, or carrying an already-passed exp claim.
func precheckToken(token string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return appErrors.ErrTokenInvalid.WithInternal(err)
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return appErrors.ErrTokenInvalid.WithInternal(err)
	}
	if expiry != nil && expiry.Before(time.Now()) {
		return appErrors.ErrTokenInvalid
	}
	return nil
}
