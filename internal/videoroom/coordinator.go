package videoroom

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/events"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/upstream"
	appErrors "github.com/classmesh/signaling/pkg/errors"
	"github.com/classmesh/signaling/pkg/logger"
	"github.com/classmesh/signaling/pkg/metrics"
)

// Role distinguishes the room admin from ordinary participants.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
)

// Departure reasons broadcast with peer_left.
const (
	ReasonLeft       = "left"
	ReasonRemoved    = "removed"
	ReasonDisconnect = "disconnect"
)

// Participant is one user's presence in one room. SessionID pins the single
// session carrying the user's mesh signaling for that room.
type Participant struct {
	UserID    string
	SessionID string
	Role      Role
	AudioOn   bool
	VideoOn   bool
	JoinedAt  time.Time
}

type room struct {
	id              string
	createdBy       string
	createdAt       time.Time
	enrollmentGated bool
	participants    map[string]*Participant
}

// RoomStats is the per-room slice of the stats endpoint.
type RoomStats struct {
	RoomID       string `json:"roomId"`
	Participants int    `json:"participants"`
	AudioOn      int    `json:"audioOn"`
	VideoOn      int    `json:"videoOn"`
	CreatedBy    string `json:"createdBy"`
}

// Stats summarises the coordinator for the observability surface.
type Stats struct {
	RoomCount        int         `json:"roomCount"`
	ParticipantCount int         `json:"participantCount"`
	PerRoom          []RoomStats `json:"perRoom"`
}

// Coordinator owns every video room. Rooms exist only while occupied: the
// first joiner creates a room and becomes its admin, the last departure
// destroys it. The mesh itself lives in client peer connections; the
// coordinator is the rendezvous that introduces peers and relays blobs.
type Coordinator struct {
	mu           sync.Mutex
	rooms        map[string]*room
	sessionRooms map[string]map[string]struct{} // sessionID -> roomIDs

	reg     *registry.Registry
	up      upstream.API
	timeNow func() time.Time
	log     *zap.Logger
}

// NewCoordinator constructs a video room coordinator.
func NewCoordinator(reg *registry.Registry, up upstream.API) *Coordinator {
	return &Coordinator{
		rooms:        make(map[string]*room),
		sessionRooms: make(map[string]map[string]struct{}),
		reg:          reg,
		up:           up,
		timeNow:      time.Now,
		log:          logger.WithModule("videoroom"),
	}
}

// Join enters a room, creating it when absent. Every prior participant is
// told about the joiner and instructed to initiate an offer towards them
// (older peer offers, newer answers), which keeps the mesh deterministic.
func (c *Coordinator) Join(ctx context.Context, sess registry.Session, p events.RoomJoinPayload) *appErrors.AppError {
	userID := sess.UserID()

	// The enrollment check suspends the handler, and the room can be created,
	// destroyed, or recreated with a different gate while the lock is down.
	// Re-derive the gate from scratch on every acquisition and only proceed
	// once the derived gate is satisfied without dropping the lock again.
	enrollmentChecked := false
	var rm *room
	var exists, gated bool
	for {
		c.mu.Lock()
		rm, exists = c.rooms[p.RoomID]
		gated = exists && rm.enrollmentGated
		if !exists && p.Context != nil {
			gated = p.Context.EnrollmentGated
		}
		if !gated || enrollmentChecked {
			break
		}
		c.mu.Unlock()

		if !c.up.IsEnrolled(ctx, userID, p.RoomID) {
			return appErrors.ErrNotEnrolled
		}
		enrollmentChecked = true
	}

	now := c.timeNow()
	role := RoleParticipant
	if !exists {
		rm = &room{
			id:              p.RoomID,
			createdBy:       userID,
			createdAt:       now,
			enrollmentGated: gated,
			participants:    make(map[string]*Participant),
		}
		c.rooms[p.RoomID] = rm
		role = RoleAdmin
	}

	if existing, ok := rm.participants[userID]; ok {
		// Rejoin from a new session replaces the old one; the roster and the
		// existing mesh entries stay intact.
		c.dropSessionRoomLocked(existing.SessionID, p.RoomID)
		existing.SessionID = sess.ID()
		c.addSessionRoomLocked(sess.ID(), p.RoomID)
		reply := c.rosterReplyLocked(rm, existing)
		c.mu.Unlock()

		sess.Send(events.RoomJoined, reply)
		return nil
	}

	participant := &Participant{
		UserID:    userID,
		SessionID: sess.ID(),
		Role:      role,
		AudioOn:   true,
		VideoOn:   true,
		JoinedAt:  now,
	}

	priors := make([]*Participant, 0, len(rm.participants))
	for _, prior := range rm.participants {
		priors = append(priors, prior)
	}

	rm.participants[userID] = participant
	c.addSessionRoomLocked(sess.ID(), p.RoomID)
	reply := c.rosterReplyLocked(rm, participant)
	c.updateGaugesLocked()
	c.mu.Unlock()

	joined := events.PeerJoinedPayload{RoomID: p.RoomID, UserID: userID, Role: string(role)}
	expect := events.ExpectOfferPayload{RoomID: p.RoomID, ToUserID: userID}
	for _, prior := range priors {
		if target, ok := c.reg.Get(prior.SessionID); ok {
			target.Send(events.PeerJoined, joined)
			target.Send(events.ExpectOfferTo, expect)
		}
	}

	sess.Send(events.RoomJoined, reply)

	c.log.Info("participant joined",
		zap.String("room_id", p.RoomID),
		zap.String("user_id", userID),
		zap.String("role", string(role)))
	return nil
}

// RelayOffer forwards an SDP offer to one peer. The sender is told via
// peer_unavailable when the target already left.
func (c *Coordinator) RelayOffer(sess registry.Session, p events.RoomSignalPayload) *appErrors.AppError {
	return c.relaySDP(sess, p, events.RoomOffer)
}

// RelayAnswer mirrors RelayOffer for SDP answers.
func (c *Coordinator) RelayAnswer(sess registry.Session, p events.RoomSignalPayload) *appErrors.AppError {
	return c.relaySDP(sess, p, events.RoomAnswer)
}

func (c *Coordinator) relaySDP(sess registry.Session, p events.RoomSignalPayload, eventName string) *appErrors.AppError {
	target, appErr := c.relayTarget(sess, p.RoomID, p.ToUserID)
	if appErr != nil {
		return appErr
	}
	if target == nil {
		sess.Send(events.PeerUnavailable, events.PeerUnavailablePayload{RoomID: p.RoomID, UserID: p.ToUserID})
		return nil
	}

	target.Send(eventName, events.RoomSignalRelayPayload{
		RoomID:   p.RoomID,
		FromUser: sess.UserID(),
		SDP:      p.SDP,
	})
	return nil
}

// RelayICE forwards an ICE candidate to one peer. Candidates for departed
// peers are dropped silently.
func (c *Coordinator) RelayICE(sess registry.Session, p events.RoomICEPayload) *appErrors.AppError {
	target, appErr := c.relayTarget(sess, p.RoomID, p.ToUserID)
	if appErr != nil {
		return appErr
	}
	if target == nil {
		return nil
	}

	target.Send(events.RoomICECandidate, events.RoomICERelayPayload{
		RoomID:    p.RoomID,
		FromUser:  sess.UserID(),
		Candidate: p.Candidate,
	})
	return nil
}

// relayTarget validates the sender's membership and resolves the recipient's
// active session. A nil session with nil error means the recipient is gone.
func (c *Coordinator) relayTarget(sess registry.Session, roomID, toUserID string) (registry.Session, *appErrors.AppError) {
	c.mu.Lock()
	rm, exists := c.rooms[roomID]
	if !exists {
		c.mu.Unlock()
		return nil, appErrors.ErrNotInRoom
	}
	sender, ok := rm.participants[sess.UserID()]
	if !ok || sender.SessionID != sess.ID() {
		c.mu.Unlock()
		return nil, appErrors.ErrNotInRoom
	}
	recipient, ok := rm.participants[toUserID]
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}
	target, live := c.reg.Get(recipient.SessionID)
	if !live {
		return nil, nil
	}
	return target, nil
}

// MediaState records the sender's media toggles and fans them out to the
// rest of the room.
func (c *Coordinator) MediaState(sess registry.Session, p events.RoomMediaStatePayload) *appErrors.AppError {
	c.mu.Lock()
	rm, exists := c.rooms[p.RoomID]
	if !exists {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}
	participant, ok := rm.participants[sess.UserID()]
	if !ok || participant.SessionID != sess.ID() {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}

	participant.AudioOn = p.AudioOn
	participant.VideoOn = p.VideoOn
	others := c.otherSessionsLocked(rm, sess.UserID())
	c.mu.Unlock()

	broadcast := events.MediaStateBroadcast{
		RoomID:  p.RoomID,
		UserID:  sess.UserID(),
		AudioOn: p.AudioOn,
		VideoOn: p.VideoOn,
	}
	for _, target := range others {
		target.Send(events.RoomMediaStateInfo, broadcast)
	}
	return nil
}

// AdminAction enforces a mute or removal against a participant. Only the
// room admin may act.
func (c *Coordinator) AdminAction(sess registry.Session, p events.RoomAdminActionPayload) *appErrors.AppError {
	c.mu.Lock()
	rm, exists := c.rooms[p.RoomID]
	if !exists {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}
	sender, ok := rm.participants[sess.UserID()]
	if !ok || sender.SessionID != sess.ID() {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}
	if sender.Role != RoleAdmin {
		c.mu.Unlock()
		return appErrors.ErrNotRoomAdmin
	}
	target, ok := rm.participants[p.TargetUserID]
	if !ok || p.TargetUserID == sess.UserID() {
		c.mu.Unlock()
		return appErrors.ErrNotFound
	}

	switch p.Action {
	case events.AdminMuteAudio, events.AdminMuteVideo:
		// The target's client disables locally and re-broadcasts its media
		// state; the recorded intent covers clients that never comply.
		if p.Action == events.AdminMuteAudio {
			target.AudioOn = false
		} else {
			target.VideoOn = false
		}
		targetSessionID := target.SessionID
		c.mu.Unlock()

		if targetSess, live := c.reg.Get(targetSessionID); live {
			targetSess.Send(events.ForcedMediaState, events.ForcedMediaStatePayload{
				RoomID: p.RoomID,
				Action: p.Action,
				ByUser: sess.UserID(),
			})
		}
		return nil

	case events.AdminRemove:
		targetSessionID := target.SessionID
		c.mu.Unlock()

		if targetSess, live := c.reg.Get(targetSessionID); live {
			targetSess.Send(events.RemovedFromRoom, events.RemovedFromRoomPayload{
				RoomID: p.RoomID,
				ByUser: sess.UserID(),
			})
		}
		c.removeParticipant(p.RoomID, p.TargetUserID, ReasonRemoved)
		return nil

	default:
		c.mu.Unlock()
		return appErrors.ErrBadRequest
	}
}

// Leave exits one room voluntarily.
func (c *Coordinator) Leave(sess registry.Session, p events.RoomRefPayload) *appErrors.AppError {
	c.mu.Lock()
	rm, exists := c.rooms[p.RoomID]
	if !exists {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}
	participant, ok := rm.participants[sess.UserID()]
	if !ok || participant.SessionID != sess.ID() {
		c.mu.Unlock()
		return appErrors.ErrNotInRoom
	}
	c.mu.Unlock()

	c.removeParticipant(p.RoomID, sess.UserID(), ReasonLeft)
	return nil
}

// OnDisconnect evicts the departing session from every room it occupied.
// Safe to run more than once for the same session.
func (c *Coordinator) OnDisconnect(sess registry.Session) {
	c.mu.Lock()
	roomIDs := make([]string, 0, len(c.sessionRooms[sess.ID()]))
	for roomID := range c.sessionRooms[sess.ID()] {
		roomIDs = append(roomIDs, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range roomIDs {
		c.removeParticipant(roomID, sess.UserID(), ReasonDisconnect)
	}
}

// CollectStats snapshots the coordinator for the stats endpoint.
func (c *Coordinator) CollectStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{PerRoom: make([]RoomStats, 0, len(c.rooms))}
	for _, rm := range c.rooms {
		row := RoomStats{
			RoomID:       rm.id,
			Participants: len(rm.participants),
			CreatedBy:    rm.createdBy,
		}
		for _, participant := range rm.participants {
			if participant.AudioOn {
				row.AudioOn++
			}
			if participant.VideoOn {
				row.VideoOn++
			}
		}
		stats.PerRoom = append(stats.PerRoom, row)
		stats.ParticipantCount += len(rm.participants)
	}
	stats.RoomCount = len(c.rooms)

	sort.Slice(stats.PerRoom, func(i, j int) bool {
		return stats.PerRoom[i].RoomID < stats.PerRoom[j].RoomID
	})
	return stats
}

// Participant returns a copy of the user's participant entry in the room.
func (c *Coordinator) Participant(roomID, userID string) (Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rm, exists := c.rooms[roomID]
	if !exists {
		return Participant{}, false
	}
	participant, ok := rm.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *participant, true
}

// removeParticipant deletes the participant, notifies the surviving room,
// promotes a replacement admin when needed, and destroys empty rooms.
func (c *Coordinator) removeParticipant(roomID, userID, reason string) {
	c.mu.Lock()
	rm, exists := c.rooms[roomID]
	if !exists {
		c.mu.Unlock()
		return
	}
	leaver, ok := rm.participants[userID]
	if !ok {
		c.mu.Unlock()
		return
	}

	delete(rm.participants, userID)
	c.dropSessionRoomLocked(leaver.SessionID, roomID)

	var promoted *Participant
	if leaver.Role == RoleAdmin && len(rm.participants) > 0 {
		promoted = earliestJoined(rm.participants)
		promoted.Role = RoleAdmin
	}

	if len(rm.participants) == 0 {
		delete(c.rooms, roomID)
	}

	remaining := c.otherSessionsLocked(rm, userID)
	c.updateGaugesLocked()
	c.mu.Unlock()

	left := events.PeerLeftPayload{RoomID: roomID, UserID: userID, Reason: reason}
	for _, target := range remaining {
		target.Send(events.PeerLeft, left)
	}
	if promoted != nil {
		changed := events.AdminChangedPayload{RoomID: roomID, NewAdmin: promoted.UserID}
		for _, target := range remaining {
			target.Send(events.AdminChanged, changed)
		}
	}

	c.log.Info("participant left",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.String("reason", reason))
}

func (c *Coordinator) rosterReplyLocked(rm *room, self *Participant) events.RoomJoinedPayload {
	roster := make([]events.ParticipantInfo, 0, len(rm.participants))
	for _, participant := range rm.participants {
		if participant.UserID == self.UserID {
			continue
		}
		roster = append(roster, events.ParticipantInfo{
			UserID:  participant.UserID,
			Role:    string(participant.Role),
			AudioOn: participant.AudioOn,
			VideoOn: participant.VideoOn,
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })

	return events.RoomJoinedPayload{
		RoomID:       rm.id,
		Role:         string(self.Role),
		Participants: roster,
	}
}

func (c *Coordinator) otherSessionsLocked(rm *room, excludeUserID string) []registry.Session {
	sessions := make([]registry.Session, 0, len(rm.participants))
	for _, participant := range rm.participants {
		if participant.UserID == excludeUserID {
			continue
		}
		if target, ok := c.reg.Get(participant.SessionID); ok {
			sessions = append(sessions, target)
		}
	}
	return sessions
}

func (c *Coordinator) addSessionRoomLocked(sessionID, roomID string) {
	if c.sessionRooms[sessionID] == nil {
		c.sessionRooms[sessionID] = make(map[string]struct{})
	}
	c.sessionRooms[sessionID][roomID] = struct{}{}
}

func (c *Coordinator) dropSessionRoomLocked(sessionID, roomID string) {
	if roomIDs, ok := c.sessionRooms[sessionID]; ok {
		delete(roomIDs, roomID)
		if len(roomIDs) == 0 {
			delete(c.sessionRooms, sessionID)
		}
	}
}

func (c *Coordinator) updateGaugesLocked() {
	var participants int
	for _, rm := range c.rooms {
		participants += len(rm.participants)
	}
	metrics.ActiveRooms.Set(float64(len(c.rooms)))
	metrics.RoomParticipants.Set(float64(participants))
}

func earliestJoined(participants map[string]*Participant) *Participant {
	var earliest *Participant
	for _, participant := range participants {
		if earliest == nil ||
			participant.JoinedAt.Before(earliest.JoinedAt) ||
			(participant.JoinedAt.Equal(earliest.JoinedAt) && participant.UserID < earliest.UserID) {
			earliest = participant
		}
	}
	return earliest
}
