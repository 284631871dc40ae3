package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/call"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/videoroom"
	"github.com/classmesh/signaling/pkg/logger"
)

const (
	DefaultSchedule      = "@every 5m"
	DefaultCallRetention = time.Hour
)

// Purger is implemented by caches that need periodic expiry of dead entries.
// The Redis store expires keys server-side and does not implement it.
type Purger interface {
	Purge() int
}

// Config carries the sweeper tunables.
type Config struct {
	Schedule      string
	CallRetention time.Duration
}

// Sweeper runs the periodic housekeeping: terminal call records past their
// retention window, expired cache entries, and an occupancy snapshot for the
// logs. All jobs also run through RunAll so operators can trigger a sweep
// from a debug shell.
type Sweeper struct {
	cron  *cron.Cron
	calls *call.Coordinator
	rooms *videoroom.Coordinator
	reg   *registry.Registry
	purge Purger

	retention time.Duration
	schedule  string
	log       *zap.Logger
}

// New constructs a sweeper. purge may be nil.
func New(cfg Config, calls *call.Coordinator, rooms *videoroom.Coordinator, reg *registry.Registry, purge Purger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.CallRetention <= 0 {
		cfg.CallRetention = DefaultCallRetention
	}

	return &Sweeper{
		cron:      cron.New(),
		calls:     calls,
		rooms:     rooms,
		reg:       reg,
		purge:     purge,
		retention: cfg.CallRetention,
		schedule:  cfg.Schedule,
		log:       logger.WithModule("maintenance"),
	}
}

// Start schedules the sweep and begins the cron loop.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunAll(context.Background()); err != nil {
			s.log.Warn("sweep finished with errors", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunAll executes every housekeeping job once, collecting their failures.
func (s *Sweeper) RunAll(ctx context.Context) error {
	return multierr.Combine(
		s.sweepCalls(ctx),
		s.purgeCache(ctx),
		s.logOccupancy(ctx),
	)
}

func (s *Sweeper) sweepCalls(_ context.Context) error {
	dropped := s.calls.Sweep(s.retention)
	if dropped > 0 {
		s.log.Info("swept call records", zap.Int("dropped", dropped))
	}
	return nil
}

func (s *Sweeper) purgeCache(_ context.Context) error {
	if s.purge == nil {
		return nil
	}
	if purged := s.purge.Purge(); purged > 0 {
		s.log.Debug("purged cache entries", zap.Int("purged", purged))
	}
	return nil
}

func (s *Sweeper) logOccupancy(_ context.Context) error {
	stats := s.rooms.CollectStats()
	s.log.Info("occupancy",
		zap.Int("sessions", s.reg.SessionCount()),
		zap.Int("online_users", s.reg.OnlineCount()),
		zap.Int("active_calls", s.calls.ActiveCount()),
		zap.Int("rooms", stats.RoomCount),
		zap.Int("room_participants", stats.ParticipantCount))
	return nil
}
