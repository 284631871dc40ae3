package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	userID string
	sent   []string
}

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) UserID() string { return f.userID }
func (f *fakeSession) Send(name string, payload any) bool {
	f.sent = append(f.sent, name)
	return true
}

func TestRegistry_AddReportsFirstSession(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	s2 := &fakeSession{id: "s2", userID: "u1"}

	require.True(t, reg.Add(s1))
	require.False(t, reg.Add(s2))
	require.True(t, reg.IsOnline("u1"))
	require.Equal(t, 2, reg.SessionCount())
	require.Equal(t, 1, reg.OnlineCount())
}

func TestRegistry_AddRejectsDuplicatesAndEmpty(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	require.True(t, reg.Add(s1))
	require.False(t, reg.Add(s1))
	require.False(t, reg.Add(&fakeSession{id: "", userID: "u1"}))
	require.False(t, reg.Add(nil))
	require.Equal(t, 1, reg.SessionCount())
}

func TestRegistry_RemoveReportsLastSession(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	s2 := &fakeSession{id: "s2", userID: "u1"}
	reg.Add(s1)
	reg.Add(s2)

	removed, last := reg.Remove(s1)
	require.True(t, removed)
	require.False(t, last)
	require.True(t, reg.IsOnline("u1"))

	removed, last = reg.Remove(s2)
	require.True(t, removed)
	require.True(t, last)
	require.False(t, reg.IsOnline("u1"))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	reg.Add(s1)

	removed, last := reg.Remove(s1)
	require.True(t, removed)
	require.True(t, last)

	removed, last = reg.Remove(s1)
	require.False(t, removed)
	require.False(t, last)
}

func TestRegistry_SessionsForSnapshot(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	s2 := &fakeSession{id: "s2", userID: "u1"}
	s3 := &fakeSession{id: "s3", userID: "u2"}
	reg.Add(s1)
	reg.Add(s2)
	reg.Add(s3)

	sessions := reg.SessionsFor("u1")
	require.Len(t, sessions, 2)
	require.Nil(t, reg.SessionsFor("nobody"))

	var visited int
	reg.ForEachSessionOf("u1", func(s Session) {
		visited++
		// mutation during iteration must be safe
		reg.Remove(s)
	})
	require.Equal(t, 2, visited)
	require.False(t, reg.IsOnline("u1"))
}

func TestRegistry_Get(t *testing.T) {
	reg := New()

	s1 := &fakeSession{id: "s1", userID: "u1"}
	reg.Add(s1)

	got, ok := reg.Get("s1")
	require.True(t, ok)
	require.Equal(t, "u1", got.UserID())

	_, ok = reg.Get("missing")
	require.False(t, ok)
}
