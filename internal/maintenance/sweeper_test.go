package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classmesh/signaling/internal/call"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/upstream"
	"github.com/classmesh/signaling/internal/videoroom"
	appErrors "github.com/classmesh/signaling/pkg/errors"
)

type fakeUpstream struct{}

func (fakeUpstream) ValidateToken(context.Context, string) (upstream.Identity, error) {
	return upstream.Identity{}, appErrors.ErrTokenInvalid
}

func (fakeUpstream) IsBlocked(context.Context, string, string) bool { return false }

func (fakeUpstream) IsEnrolled(context.Context, string, string) bool { return false }

func (fakeUpstream) FriendIDs(context.Context, string) []string { return nil }

func (fakeUpstream) ThreadMemberIDs(context.Context, string) []string { return nil }

func (fakeUpstream) PersistCallRecord(context.Context, upstream.CallRecord) {}

type countingPurger struct{ calls int }

func (p *countingPurger) Purge() int {
	p.calls++
	return 3
}

func newSweeper(cfg Config, purge Purger) *Sweeper {
	reg := registry.New()
	up := fakeUpstream{}
	return New(cfg,
		call.NewCoordinator(reg, up, time.Minute),
		videoroom.NewCoordinator(reg, up),
		reg, purge)
}

func TestSweeper_Defaults(t *testing.T) {
	s := newSweeper(Config{}, nil)
	require.Equal(t, DefaultSchedule, s.schedule)
	require.Equal(t, DefaultCallRetention, s.retention)
}

func TestSweeper_RunAll(t *testing.T) {
	purger := &countingPurger{}
	s := newSweeper(Config{CallRetention: time.Minute}, purger)

	require.NoError(t, s.RunAll(context.Background()))
	require.Equal(t, 1, purger.calls)
}

func TestSweeper_RunAllWithoutPurger(t *testing.T) {
	s := newSweeper(Config{}, nil)
	require.NoError(t, s.RunAll(context.Background()))
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	s := newSweeper(Config{Schedule: "not a schedule"}, nil)
	require.Error(t, s.Start())
}

func TestSweeper_StartStop(t *testing.T) {
	s := newSweeper(Config{Schedule: "@every 1h"}, nil)
	require.NoError(t, s.Start())
	s.Stop()
}
