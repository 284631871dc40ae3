package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/events"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/upstream"
	appErrors "github.com/classmesh/signaling/pkg/errors"
	"github.com/classmesh/signaling/pkg/logger"
	"github.com/classmesh/signaling/pkg/metrics"
)

// State is the lifecycle position of a one-to-one call.
type State int

const (
	StateRinging State = iota
	StateConnected
	StateEnded
	StateMissed
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateMissed
}

// End reasons recorded on terminal calls.
const (
	ReasonEnded            = "ended"
	ReasonRejected         = "rejected"
	ReasonPeerDisconnected = "peer-disconnected"
	ReasonRingTimeout      = "ring-timeout"
	ReasonCalleeOffline    = "callee-offline"
	ReasonCalleeBusy       = "callee-busy"
)

// Call is one one-to-one signaling session between exactly two users.
type Call struct {
	ID              string
	CallerID        string
	CalleeID        string
	CallerSessionID string
	CalleeSessionID string
	IsVideo         bool
	State           State
	StartedAt       time.Time
	AnsweredAt      time.Time
	EndedAt         time.Time
	EndedBy         string
	Reason          string
	OfferSDP        string
}

// Coordinator owns every live and recently-terminal call. All state lives
// under one mutex; upstream round trips happen outside it and preconditions
// are re-checked after re-acquiring (calls may end while an authorization
// check is in flight).
type Coordinator struct {
	mu     sync.Mutex
	calls  map[string]*Call
	active map[string]string // userID -> non-terminal callID

	reg         *registry.Registry
	up          upstream.API
	ringTimeout time.Duration
	timers      map[string]*time.Timer
	timeNow     func() time.Time
	newID       func() string
	log         *zap.Logger
}

// DefaultRingTimeout bounds how long a call may ring before going missed.
const DefaultRingTimeout = 45 * time.Second

// NewCoordinator constructs a call coordinator.
func NewCoordinator(reg *registry.Registry, up upstream.API, ringTimeout time.Duration) *Coordinator {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		calls:       make(map[string]*Call),
		active:      make(map[string]string),
		reg:         reg,
		up:          up,
		ringTimeout: ringTimeout,
		timers:      make(map[string]*time.Timer),
		timeNow:     time.Now,
		newID:       uuid.NewString,
		log:         logger.WithModule("call"),
	}
}

// Offer starts a call from the session's user to calleeID. The callee rings
// on every live session; if the callee is offline the call is recorded as
// missed and the caller is told immediately.
func (c *Coordinator) Offer(ctx context.Context, sess registry.Session, p events.CallOfferPayload) *appErrors.AppError {
	callerID := sess.UserID()
	if p.CalleeID == callerID {
		return appErrors.NewBadRequest("cannot call yourself")
	}

	c.mu.Lock()
	if _, busy := c.active[callerID]; busy {
		c.mu.Unlock()
		return appErrors.ErrCallBusy
	}
	c.mu.Unlock()

	// Authorization check suspends the handler; the busy precondition is
	// re-validated below.
	if c.up.IsBlocked(ctx, callerID, p.CalleeID) {
		return appErrors.ErrCallBlocked
	}

	c.mu.Lock()
	if _, busy := c.active[callerID]; busy {
		c.mu.Unlock()
		return appErrors.ErrCallBusy
	}

	now := c.timeNow()
	call := &Call{
		ID:              c.newID(),
		CallerID:        callerID,
		CalleeID:        p.CalleeID,
		CallerSessionID: sess.ID(),
		IsVideo:         p.IsVideo,
		StartedAt:       now,
		OfferSDP:        p.OfferSDP,
	}

	calleeSessions := c.reg.SessionsFor(p.CalleeID)
	_, calleeBusy := c.active[p.CalleeID]
	if len(calleeSessions) == 0 || calleeBusy {
		call.State = StateMissed
		call.Reason = ReasonCalleeOffline
		if calleeBusy {
			call.Reason = ReasonCalleeBusy
		}
		call.EndedAt = now
		c.calls[call.ID] = call
		c.mu.Unlock()

		sess.Send(events.CallUnavailable, events.CallUnavailablePayload{
			CallID: call.ID,
			Reason: call.Reason,
		})
		c.finishCall(call, 0)
		return nil
	}

	call.State = StateRinging
	c.calls[call.ID] = call
	c.active[callerID] = call.ID
	c.active[p.CalleeID] = call.ID
	c.timers[call.ID] = time.AfterFunc(c.ringTimeout, func() { c.timeoutCall(call.ID) })
	c.mu.Unlock()

	incoming := events.IncomingCallPayload{
		CallID:   call.ID,
		FromUser: callerID,
		IsVideo:  call.IsVideo,
		OfferSDP: call.OfferSDP,
	}
	for _, target := range calleeSessions {
		target.Send(events.IncomingCall, incoming)
	}

	c.log.Info("call ringing",
		zap.String("call_id", call.ID),
		zap.String("caller_id", callerID),
		zap.String("callee_id", p.CalleeID),
		zap.Bool("video", call.IsVideo))
	return nil
}

// Answer connects a ringing call. The answering session claims the call; the
// callee's other sessions are told to dismiss their ringing UI.
func (c *Coordinator) Answer(sess registry.Session, p events.CallAnswerPayload) *appErrors.AppError {
	c.mu.Lock()
	call, ok := c.calls[p.CallID]
	if !ok {
		c.mu.Unlock()
		return appErrors.ErrNotFound
	}
	if call.CalleeID != sess.UserID() {
		c.mu.Unlock()
		return appErrors.ErrForbidden
	}
	if call.State != StateRinging {
		c.mu.Unlock()
		return appErrors.ErrCallState
	}

	call.State = StateConnected
	call.AnsweredAt = c.timeNow()
	call.CalleeSessionID = sess.ID()
	c.stopTimerLocked(call.ID)
	callerSessionID := call.CallerSessionID
	calleeID := call.CalleeID
	c.mu.Unlock()

	metrics.RingDuration.Observe(call.AnsweredAt.Sub(call.StartedAt).Seconds())

	for _, sibling := range c.reg.SessionsFor(calleeID) {
		if sibling.ID() != sess.ID() {
			sibling.Send(events.CallClaimed, events.CallClaimedPayload{CallID: call.ID})
		}
	}

	caller, ok := c.reg.Get(callerSessionID)
	if !ok || !caller.Send(events.CallAnswered, events.CallAnsweredPayload{
		CallID:    call.ID,
		AnswerSDP: p.AnswerSDP,
	}) {
		// Caller vanished between dispatch and send; terminate, no retries.
		c.terminate(call.ID, "", ReasonPeerDisconnected, StateConnected)
		return nil
	}

	c.log.Info("call connected", zap.String("call_id", call.ID))
	return nil
}

// Reject declines a ringing call on behalf of the callee.
func (c *Coordinator) Reject(sess registry.Session, p events.CallRefPayload) *appErrors.AppError {
	c.mu.Lock()
	call, ok := c.calls[p.CallID]
	if !ok {
		c.mu.Unlock()
		return appErrors.ErrNotFound
	}
	if call.CalleeID != sess.UserID() {
		c.mu.Unlock()
		return appErrors.ErrForbidden
	}
	if call.State != StateRinging {
		c.mu.Unlock()
		return appErrors.ErrCallState
	}
	c.mu.Unlock()

	c.terminate(p.CallID, sess.UserID(), ReasonRejected, StateRinging)
	return nil
}

// End hangs up from either party, allowed while ringing or connected.
func (c *Coordinator) End(sess registry.Session, p events.CallRefPayload) *appErrors.AppError {
	c.mu.Lock()
	call, ok := c.calls[p.CallID]
	if !ok {
		c.mu.Unlock()
		return appErrors.ErrNotFound
	}
	if call.CallerID != sess.UserID() && call.CalleeID != sess.UserID() {
		c.mu.Unlock()
		return appErrors.ErrForbidden
	}
	if call.State.Terminal() {
		c.mu.Unlock()
		return appErrors.ErrCallState
	}
	c.mu.Unlock()

	c.terminate(p.CallID, sess.UserID(), ReasonEnded, anyState)
	return nil
}

// ICE relays a candidate to the opposite party. Candidates for calls in a
// terminal state are dropped silently.
func (c *Coordinator) ICE(sess registry.Session, p events.CallICEPayload) *appErrors.AppError {
	c.mu.Lock()
	call, ok := c.calls[p.CallID]
	if !ok || call.State.Terminal() {
		c.mu.Unlock()
		return nil
	}
	if call.CallerID != sess.UserID() && call.CalleeID != sess.UserID() {
		c.mu.Unlock()
		return nil
	}

	fromCaller := call.CallerID == sess.UserID()
	peerUserID := call.CallerID
	peerSessionID := call.CallerSessionID
	if fromCaller {
		peerUserID = call.CalleeID
		peerSessionID = call.CalleeSessionID
	}
	c.mu.Unlock()

	relay := events.ICERelayPayload{
		CallID:    p.CallID,
		FromUser:  sess.UserID(),
		Candidate: p.Candidate,
	}

	// Before the callee claims the call every callee session is a candidate
	// target; afterwards only the claimed session is.
	if peerSessionID == "" {
		for _, target := range c.reg.SessionsFor(peerUserID) {
			target.Send(events.ICECandidate, relay)
		}
		return nil
	}

	if target, ok := c.reg.Get(peerSessionID); ok {
		target.Send(events.ICECandidate, relay)
	}
	return nil
}

// OnDisconnect reconciles calls involving the departing session. A call is
// force-ended only when the user has no surviving session; the registry must
// already have dropped the session when this runs.
func (c *Coordinator) OnDisconnect(sess registry.Session) {
	userID := sess.UserID()

	c.mu.Lock()
	callID, ok := c.active[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	call := c.calls[callID]

	departingActive := false
	switch userID {
	case call.CallerID:
		departingActive = call.CallerSessionID == sess.ID()
	case call.CalleeID:
		departingActive = call.CalleeSessionID == "" || call.CalleeSessionID == sess.ID()
	}
	c.mu.Unlock()

	if !departingActive || c.reg.IsOnline(userID) {
		return
	}

	c.terminate(callID, userID, ReasonPeerDisconnected, anyState)
}

// Get returns a copy of the call, if known.
func (c *Coordinator) Get(callID string) (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// ActiveCount reports how many calls are in a non-terminal state.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.active))
	for _, callID := range c.active {
		seen[callID] = struct{}{}
	}
	return len(seen)
}

// Sweep drops terminal calls older than the retention window and returns how
// many were removed. The maintenance sweeper drives this.
func (c *Coordinator) Sweep(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.timeNow().Add(-retention)
	var removed int
	for id, call := range c.calls {
		if call.State.Terminal() && !call.EndedAt.IsZero() && call.EndedAt.Before(cutoff) {
			delete(c.calls, id)
			removed++
		}
	}
	return removed
}

// timeoutCall moves a still-ringing call to missed when the ring timer fires.
func (c *Coordinator) timeoutCall(callID string) {
	c.mu.Lock()
	call, ok := c.calls[callID]
	if !ok || call.State != StateRinging {
		c.mu.Unlock()
		return
	}

	call.State = StateMissed
	call.Reason = ReasonRingTimeout
	call.EndedAt = c.timeNow()
	c.releaseLocked(call)
	c.mu.Unlock()

	metrics.RingDuration.Observe(call.EndedAt.Sub(call.StartedAt).Seconds())

	unavailable := events.CallUnavailablePayload{CallID: callID, Reason: ReasonRingTimeout}
	for _, target := range c.reg.SessionsFor(call.CallerID) {
		target.Send(events.CallUnavailable, unavailable)
	}
	missed := events.CallMissedPayload{CallID: callID, FromUser: call.CallerID}
	for _, target := range c.reg.SessionsFor(call.CalleeID) {
		target.Send(events.CallMissed, missed)
	}

	c.finishCall(call, 0)
	c.log.Info("call missed", zap.String("call_id", callID), zap.String("reason", ReasonRingTimeout))
}

// anyState lets terminate callers whose precondition is merely "not terminal"
// skip the expected-state check.
const anyState State = -1

// terminate moves a call to ENDED, notifies the peer of endedBy (or both
// parties when endedBy is empty), and persists the record. Callers name the
// state their precondition saw; the call may have moved on while their lock
// was dropped (a sibling answering during a reject), in which case nothing
// happens.
func (c *Coordinator) terminate(callID, endedBy, reason string, from State) {
	c.mu.Lock()
	call, ok := c.calls[callID]
	if !ok || call.State.Terminal() {
		c.mu.Unlock()
		return
	}
	if from != anyState && call.State != from {
		c.mu.Unlock()
		return
	}

	wasConnected := call.State == StateConnected
	call.State = StateEnded
	call.Reason = reason
	call.EndedBy = endedBy
	call.EndedAt = c.timeNow()
	callerSessionID := call.CallerSessionID
	claimedSessionID := call.CalleeSessionID
	c.releaseLocked(call)
	c.mu.Unlock()

	var durationMS int64
	if wasConnected {
		durationMS = call.EndedAt.Sub(call.AnsweredAt).Milliseconds()
	} else {
		metrics.RingDuration.Observe(call.EndedAt.Sub(call.StartedAt).Seconds())
	}

	eventName := events.CallEnded
	if reason == ReasonRejected {
		eventName = events.CallRejected
	}
	payload := events.CallEndedPayload{
		CallID:     callID,
		Reason:     reason,
		EndedBy:    endedBy,
		DurationMS: durationMS,
	}

	// The caller's offering session and, once claimed, the callee's claiming
	// session are the only parties still in the call; callee siblings were
	// dismissed with call_claimed and must hear nothing further. Unclaimed
	// calls are still ringing everywhere, so every callee session gets the
	// terminal event to drop its ringing UI.
	c.notifyParty(call.CallerID, callerSessionID, endedBy, eventName, payload)
	c.notifyParty(call.CalleeID, claimedSessionID, endedBy, eventName, payload)

	c.finishCall(call, durationMS)
	c.log.Info("call ended",
		zap.String("call_id", callID),
		zap.String("reason", reason),
		zap.Int64("duration_ms", durationMS))
}

func (c *Coordinator) notifyParty(party, pinnedSessionID, endedBy, eventName string, payload events.CallEndedPayload) {
	if party == endedBy {
		return
	}
	if pinnedSessionID != "" {
		if target, ok := c.reg.Get(pinnedSessionID); ok {
			target.Send(eventName, payload)
		}
		return
	}
	for _, target := range c.reg.SessionsFor(party) {
		target.Send(eventName, payload)
	}
}

// finishCall records outcome metrics and hands the record to the upstream.
// Persistence runs detached so signaling never waits on the REST tier.
func (c *Coordinator) finishCall(call *Call, durationMS int64) {
	metrics.CallsByOutcome.WithLabelValues(call.State.String(), call.Reason).Inc()

	record := upstream.CallRecord{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		CalleeID:   call.CalleeID,
		IsVideo:    call.IsVideo,
		State:      call.State.String(),
		Reason:     call.Reason,
		EndedBy:    call.EndedBy,
		StartedAt:  call.StartedAt,
		DurationMS: durationMS,
	}
	if !call.AnsweredAt.IsZero() {
		answered := call.AnsweredAt
		record.AnsweredAt = &answered
	}
	if !call.EndedAt.IsZero() {
		ended := call.EndedAt
		record.EndedAt = &ended
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
		defer cancel()
		c.up.PersistCallRecord(ctx, record)
	}()
}

const defaultPersistTimeout = 10 * time.Second

func (c *Coordinator) releaseLocked(call *Call) {
	if c.active[call.CallerID] == call.ID {
		delete(c.active, call.CallerID)
	}
	if c.active[call.CalleeID] == call.ID {
		delete(c.active, call.CalleeID)
	}
	c.stopTimerLocked(call.ID)
}

func (c *Coordinator) stopTimerLocked(callID string) {
	if timer, ok := c.timers[callID]; ok {
		timer.Stop()
		delete(c.timers, callID)
	}
}
