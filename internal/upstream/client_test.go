package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/classmesh/signaling/internal/cache"
	appErrors "github.com/classmesh/signaling/pkg/errors"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "svc-key"}, cache.NewMemoryStore())
	require.NoError(t, err)
	return client, server
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
}

func TestValidateToken_RejectsGarbageLocally(t *testing.T) {
	var hits int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	_, err := client.ValidateToken(context.Background(), "not-a-jwt")
	require.ErrorIs(t, err, appErrors.ErrTokenInvalid)

	_, err = client.ValidateToken(context.Background(), "")
	require.ErrorIs(t, err, appErrors.ErrTokenInvalid)

	_, err = client.ValidateToken(context.Background(), signedToken(t, -time.Minute))
	require.ErrorIs(t, err, appErrors.ErrTokenInvalid)

	require.Zero(t, hits, "local prechecks must not reach upstream")
}

func TestValidateToken_ResolvesAndCaches(t *testing.T) {
	var hits int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "/v1/auth/validate", r.URL.Path)
		require.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Identity{UserID: "u1", DisplayName: "Alice"})
	}))

	token := signedToken(t, time.Hour)

	identity, err := client.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "u1", identity.UserID)
	require.Equal(t, "Alice", identity.DisplayName)

	// second call served by cache
	identity, err = client.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "u1", identity.UserID)
	require.Equal(t, 1, hits)
}

func TestValidateToken_UpstreamRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ValidateToken(context.Background(), signedToken(t, time.Hour))
	require.ErrorIs(t, err, appErrors.ErrTokenInvalid)
}

func TestIsBlocked_DefaultsToDenyOnFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"blocked": false})
	}))

	require.False(t, client.IsBlocked(context.Background(), "alice", "bob"))

	server.Close()
	require.True(t, client.IsBlocked(context.Background(), "alice", "bob"))
}

func TestIsEnrolled_DefaultsToDenyOnFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rooms/r1/enrollments/u1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]bool{"enrolled": true})
	}))

	require.True(t, client.IsEnrolled(context.Background(), "u1", "r1"))

	server.Close()
	require.False(t, client.IsEnrolled(context.Background(), "u1", "r1"))
}

func TestFriendIDs_CachesList(t *testing.T) {
	var hits int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "/v1/users/u1/friends", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string][]string{"ids": {"u2", "u3"}})
	}))

	require.Equal(t, []string{"u2", "u3"}, client.FriendIDs(context.Background(), "u1"))
	require.Equal(t, []string{"u2", "u3"}, client.FriendIDs(context.Background(), "u1"))
	require.Equal(t, 1, hits)
}

func TestThreadMemberIDs_EmptyOnFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"ids": {"u1", "u2"}})
	}))

	require.Equal(t, []string{"u1", "u2"}, client.ThreadMemberIDs(context.Background(), "t1"))

	server.Close()
	require.Nil(t, client.ThreadMemberIDs(context.Background(), "t-uncached"))
}

func TestPersistCallRecord_SwallowsFailure(t *testing.T) {
	var received CallRecord
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/calls", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))

	record := CallRecord{CallID: "c1", CallerID: "a", CalleeID: "b", State: "ended", DurationMS: 30000}
	client.PersistCallRecord(context.Background(), record)
	require.Equal(t, "c1", received.CallID)
	require.Equal(t, int64(30000), received.DurationMS)

	server.Close()
	// must not panic or surface the failure
	client.PersistCallRecord(context.Background(), record)
}
