package presence

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/cache"
	"github.com/classmesh/signaling/internal/events"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/upstream"
	"github.com/classmesh/signaling/pkg/logger"
)

const (
	lastSeenKeyPrefix = "lastseen:"
	lastSeenTTL       = 30 * 24 * time.Hour
)

// Broker fans presence transitions out to friends and forwards ephemeral
// thread activity (typing, delivery and read acks). Presence is a property of
// the user, not the session: only the first session of a user announces
// user_online and only the last one announces user_offline.
type Broker struct {
	reg     *registry.Registry
	up      upstream.API
	store   cache.Store
	timeNow func() time.Time
	log     *zap.Logger
}

// NewBroker constructs a presence broker. store may be nil, in which case
// last-seen stamps are not retained.
func NewBroker(reg *registry.Registry, up upstream.API, store cache.Store) *Broker {
	return &Broker{
		reg:     reg,
		up:      up,
		store:   store,
		timeNow: time.Now,
		log:     logger.WithModule("presence"),
	}
}

// OnConnect handles a freshly authenticated session. When it is the user's
// first session, online friends learn the user came online and the new
// session receives a user_online frame for every friend currently connected.
func (b *Broker) OnConnect(ctx context.Context, sess registry.Session, first bool) {
	if !first {
		return
	}

	friends := b.up.FriendIDs(ctx, sess.UserID())
	online := events.PresencePayload{UserID: sess.UserID()}
	for _, friendID := range friends {
		if !b.reg.IsOnline(friendID) {
			continue
		}
		for _, target := range b.reg.SessionsFor(friendID) {
			target.Send(events.UserOnline, online)
		}
		sess.Send(events.UserOnline, events.PresencePayload{UserID: friendID})
	}
}

// OnDisconnect handles a closed session. When it was the user's last session,
// the last-seen stamp is stored and online friends receive user_offline.
func (b *Broker) OnDisconnect(ctx context.Context, sess registry.Session, last bool) {
	if !last {
		return
	}

	lastSeen := b.timeNow().UTC()
	if b.store != nil {
		key := lastSeenKeyPrefix + sess.UserID()
		value := strconv.FormatInt(lastSeen.UnixMilli(), 10)
		if err := b.store.Set(ctx, key, []byte(value), lastSeenTTL); err != nil {
			b.log.Warn("last-seen store failed",
				zap.String("user_id", sess.UserID()),
				zap.Error(err))
		}
	}

	offline := events.PresencePayload{UserID: sess.UserID(), LastSeen: &lastSeen}
	for _, friendID := range b.up.FriendIDs(ctx, sess.UserID()) {
		for _, target := range b.reg.SessionsFor(friendID) {
			target.Send(events.UserOffline, offline)
		}
	}
}

// LastSeen returns the stored last-seen stamp for an offline user.
func (b *Broker) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	if b.store == nil {
		return time.Time{}, false
	}
	value, found, err := b.store.Get(ctx, lastSeenKeyPrefix+userID)
	if err != nil || !found {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

// Typing forwards a typing transition to every other online thread member.
func (b *Broker) Typing(ctx context.Context, sess registry.Session, p events.TypingPayload, typing bool) {
	forward := events.TypingEventPayload{
		ThreadID: p.ThreadID,
		UserID:   sess.UserID(),
		Typing:   typing,
	}
	b.forwardToThread(ctx, sess.UserID(), p.ThreadID, events.Typing, forward)
}

// Ack forwards a delivery or read acknowledgement to every other online
// thread member; eventName is events.DeliveryAck or events.ReadAck.
func (b *Broker) Ack(ctx context.Context, sess registry.Session, p events.AckPayload, eventName string) {
	forward := events.AckEventPayload{
		MessageID: p.MessageID,
		ThreadID:  p.ThreadID,
		ByUser:    sess.UserID(),
	}
	b.forwardToThread(ctx, sess.UserID(), p.ThreadID, eventName, forward)
}

func (b *Broker) forwardToThread(ctx context.Context, fromUserID, threadID, eventName string, payload any) {
	for _, memberID := range b.up.ThreadMemberIDs(ctx, threadID) {
		if memberID == fromUserID {
			continue
		}
		for _, target := range b.reg.SessionsFor(memberID) {
			target.Send(eventName, payload)
		}
	}
}
