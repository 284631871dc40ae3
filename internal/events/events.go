package events

import (
	"encoding/json"
	"time"
)

// Envelope is the transport frame for every socket event in both directions.
// The server assigns ID on outbound frames so clients can correlate responses.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server event names.
const (
	Auth = "auth"

	SimpleCallOffer    = "simple_call_offer"
	SimpleCallAnswer   = "simple_call_answer"
	SimpleCallReject   = "simple_call_reject"
	SimpleCallEnd      = "simple_call_end"
	SimpleICECandidate = "simple_ice_candidate"

	VideoRoomJoin         = "video_room_join"
	VideoRoomOffer        = "video_room_offer"
	VideoRoomAnswer       = "video_room_answer"
	VideoRoomICECandidate = "video_room_ice_candidate"
	VideoRoomMediaState   = "video_room_media_state"
	VideoRoomAdminAction  = "video_room_admin_action"
	VideoRoomLeave        = "video_room_leave"

	TypingStart = "typing_start"
	TypingStop  = "typing_stop"

	MessageDelivered = "message_delivered"
	MessageRead      = "message_read"
)

// Server → client event names.
const (
	Authenticated = "authenticated"
	AuthError     = "auth_error"
	EventError    = "event_error"

	IncomingCall    = "incoming_call"
	CallAnswered    = "call_answered"
	CallRejected    = "call_rejected"
	CallEnded       = "call_ended"
	CallClaimed     = "call_claimed"
	CallMissed      = "call_missed"
	CallUnavailable = "call_unavailable"
	ICECandidate    = "ice_candidate"

	PeerJoined         = "peer_joined"
	PeerLeft           = "peer_left"
	RoomJoined         = "room_joined"
	ExpectOfferTo      = "expect_offer_to"
	RoomOffer          = "room_offer"
	RoomAnswer         = "room_answer"
	RoomICECandidate   = "room_ice_candidate"
	RoomMediaStateInfo = "room_media_state"
	ForcedMediaState   = "forced_media_state"
	RemovedFromRoom    = "removed_from_room"
	AdminChanged       = "admin_changed"
	PeerUnavailable    = "peer_unavailable"

	UserOnline  = "user_online"
	UserOffline = "user_offline"
	Typing      = "typing"
	DeliveryAck = "delivery_ack"
	ReadAck     = "read_ack"
)

// AuthPayload is the first frame a client must send on a new connection.
type AuthPayload struct {
	Token string `json:"token" validate:"required"`
}

// CallOfferPayload starts a one-to-one call.
type CallOfferPayload struct {
	CalleeID string `json:"calleeId" validate:"required"`
	IsVideo  bool   `json:"isVideo"`
	OfferSDP string `json:"offerSdp" validate:"required"`
}

// CallAnswerPayload accepts a ringing call.
type CallAnswerPayload struct {
	CallID    string `json:"callId" validate:"required"`
	AnswerSDP string `json:"answerSdp" validate:"required"`
}

// CallRefPayload identifies a call for reject/end operations.
type CallRefPayload struct {
	CallID string `json:"callId" validate:"required"`
}

// CallICEPayload relays an ICE candidate within a call.
type CallICEPayload struct {
	CallID    string          `json:"callId" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// RoomJoinPayload enters (and lazily creates) a video room. Context carries
// the enrollment gate flag for the room at creation time.
type RoomJoinPayload struct {
	RoomID  string           `json:"roomId" validate:"required"`
	Context *RoomJoinContext `json:"context,omitempty"`
}

// RoomJoinContext is the optional creation-time policy for a room.
type RoomJoinContext struct {
	EnrollmentGated bool `json:"enrollmentGated"`
}

// RoomSignalPayload relays an SDP blob to one peer in a room.
type RoomSignalPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	ToUserID string `json:"toUserId" validate:"required"`
	SDP      string `json:"sdp" validate:"required"`
}

// RoomICEPayload relays an ICE candidate to one peer in a room.
type RoomICEPayload struct {
	RoomID    string          `json:"roomId" validate:"required"`
	ToUserID  string          `json:"toUserId" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// RoomMediaStatePayload announces the sender's current local media toggles.
type RoomMediaStatePayload struct {
	RoomID  string `json:"roomId" validate:"required"`
	AudioOn bool   `json:"audioOn"`
	VideoOn bool   `json:"videoOn"`
}

// Admin actions a room admin may direct at a participant.
const (
	AdminMuteAudio = "mute_audio"
	AdminMuteVideo = "mute_video"
	AdminRemove    = "remove"
)

// RoomAdminActionPayload carries an admin enforcement action.
type RoomAdminActionPayload struct {
	RoomID       string `json:"roomId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	Action       string `json:"action" validate:"required,oneof=mute_audio mute_video remove"`
}

// RoomRefPayload identifies a room for leave operations.
type RoomRefPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

// TypingPayload marks typing activity in a thread.
type TypingPayload struct {
	ThreadID string `json:"threadId" validate:"required"`
}

// AckPayload forwards a delivery or read acknowledgement.
type AckPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	ThreadID  string `json:"threadId" validate:"required"`
}

// AuthenticatedPayload confirms the handshake and hands out the session ID.
type AuthenticatedPayload struct {
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ErrorPayload is the body of auth_error and event_error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Event   string `json:"event,omitempty"`
}

// IncomingCallPayload announces a ringing call to every callee session.
type IncomingCallPayload struct {
	CallID   string `json:"callId"`
	FromUser string `json:"fromUserId"`
	FromName string `json:"fromDisplayName,omitempty"`
	IsVideo  bool   `json:"isVideo"`
	OfferSDP string `json:"offerSdp"`
}

// CallAnsweredPayload carries the answer SDP back to the caller.
type CallAnsweredPayload struct {
	CallID    string `json:"callId"`
	AnswerSDP string `json:"answerSdp"`
}

// CallClaimedPayload tells a callee session that a sibling session answered.
type CallClaimedPayload struct {
	CallID string `json:"callId"`
}

// CallEndedPayload reports a call leaving the ringing or connected state.
type CallEndedPayload struct {
	CallID     string `json:"callId"`
	Reason     string `json:"reason"`
	EndedBy    string `json:"endedBy,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// CallUnavailablePayload tells the caller the callee cannot be reached.
type CallUnavailablePayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// CallMissedPayload dismisses ringing UI on callee sessions after a timeout.
type CallMissedPayload struct {
	CallID   string `json:"callId"`
	FromUser string `json:"fromUserId"`
}

// ICERelayPayload forwards a call ICE candidate to the opposite party.
type ICERelayPayload struct {
	CallID    string          `json:"callId"`
	FromUser  string          `json:"fromUserId"`
	Candidate json.RawMessage `json:"candidate"`
}

// ParticipantInfo is the room roster entry shared with joiners and peers.
type ParticipantInfo struct {
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	AudioOn bool   `json:"audioOn"`
	VideoOn bool   `json:"videoOn"`
}

// RoomJoinedPayload is the reply to a successful room join.
type RoomJoinedPayload struct {
	RoomID       string            `json:"roomId"`
	Role         string            `json:"role"`
	Participants []ParticipantInfo `json:"participants"`
}

// PeerJoinedPayload announces a new participant to the existing room.
type PeerJoinedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// ExpectOfferPayload instructs a prior participant to offer to the joiner.
type ExpectOfferPayload struct {
	RoomID   string `json:"roomId"`
	ToUserID string `json:"expect_offer_to"`
}

// RoomSignalRelayPayload forwards SDP between two room participants.
type RoomSignalRelayPayload struct {
	RoomID   string `json:"roomId"`
	FromUser string `json:"fromUserId"`
	SDP      string `json:"sdp"`
}

// RoomICERelayPayload forwards a room ICE candidate between participants.
type RoomICERelayPayload struct {
	RoomID    string          `json:"roomId"`
	FromUser  string          `json:"fromUserId"`
	Candidate json.RawMessage `json:"candidate"`
}

// MediaStateBroadcast fans a participant's media toggles out to the room.
type MediaStateBroadcast struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	AudioOn bool   `json:"audioOn"`
	VideoOn bool   `json:"videoOn"`
}

// ForcedMediaStatePayload tells a participant an admin muted them.
type ForcedMediaStatePayload struct {
	RoomID string `json:"roomId"`
	Action string `json:"action"`
	ByUser string `json:"byUserId"`
}

// RemovedFromRoomPayload tells a participant an admin removed them.
type RemovedFromRoomPayload struct {
	RoomID string `json:"roomId"`
	ByUser string `json:"byUserId"`
}

// PeerLeftPayload announces a departure to the remaining room.
type PeerLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// AdminChangedPayload announces an admin promotion to the room.
type AdminChangedPayload struct {
	RoomID   string `json:"roomId"`
	NewAdmin string `json:"newAdmin"`
}

// PeerUnavailablePayload tells a sender their relay target already left.
type PeerUnavailablePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// PresencePayload carries online/offline transitions to friends.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingEventPayload forwards typing activity to thread members.
type TypingEventPayload struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Typing   bool   `json:"typing"`
}

// AckEventPayload forwards delivery/read acknowledgements to thread members.
type AckEventPayload struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	ByUser    string `json:"byUserId"`
}
