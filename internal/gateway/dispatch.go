package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/events"
	appErrors "github.com/classmesh/signaling/pkg/errors"
	"github.com/classmesh/signaling/pkg/metrics"
	"github.com/classmesh/signaling/pkg/validator"
)

const dispatchTimeout = 15 * time.Second

// dispatch routes one inbound envelope to its coordinator. Every outcome is
// reported back to the sender alone; peers only ever see well-formed events.
func (g *Gateway) dispatch(s *session, env events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("dispatch panic",
				zap.String("event", env.Name),
				zap.String("session_id", s.id),
				zap.Any("panic", r))
			metrics.EventsDispatched.WithLabelValues(env.Name, "panic").Inc()
			s.sendError(env.Name, appErrors.ErrInternalServer.Code, "internal error")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var appErr *appErrors.AppError
	switch env.Name {
	case events.Auth:
		// Already authenticated; a second auth frame is a no-op.
		return

	case events.SimpleCallOffer:
		var p events.CallOfferPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.calls.Offer(ctx, s, p)
		}
	case events.SimpleCallAnswer:
		var p events.CallAnswerPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.calls.Answer(s, p)
		}
	case events.SimpleCallReject:
		var p events.CallRefPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.calls.Reject(s, p)
		}
	case events.SimpleCallEnd:
		var p events.CallRefPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.calls.End(s, p)
		}
	case events.SimpleICECandidate:
		var p events.CallICEPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.calls.ICE(s, p)
		}

	case events.VideoRoomJoin:
		var p events.RoomJoinPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.Join(ctx, s, p)
		}
	case events.VideoRoomOffer:
		var p events.RoomSignalPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.RelayOffer(s, p)
		}
	case events.VideoRoomAnswer:
		var p events.RoomSignalPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.RelayAnswer(s, p)
		}
	case events.VideoRoomICECandidate:
		var p events.RoomICEPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.RelayICE(s, p)
		}
	case events.VideoRoomMediaState:
		var p events.RoomMediaStatePayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.MediaState(s, p)
		}
	case events.VideoRoomAdminAction:
		var p events.RoomAdminActionPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.AdminAction(s, p)
		}
	case events.VideoRoomLeave:
		var p events.RoomRefPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			appErr = g.rooms.Leave(s, p)
		}

	case events.TypingStart, events.TypingStop:
		var p events.TypingPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			g.pres.Typing(ctx, s, p, env.Name == events.TypingStart)
		}
	case events.MessageDelivered:
		var p events.AckPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			g.pres.Ack(ctx, s, p, events.DeliveryAck)
		}
	case events.MessageRead:
		var p events.AckPayload
		if appErr = decode(env.Payload, &p); appErr == nil {
			g.pres.Ack(ctx, s, p, events.ReadAck)
		}

	default:
		// Unknown events are forward-compatibility noise, not errors.
		g.log.Debug("unknown event ignored",
			zap.String("event", env.Name),
			zap.String("session_id", s.id))
		metrics.EventsDispatched.WithLabelValues(env.Name, "unknown").Inc()
		return
	}

	if appErr != nil {
		metrics.EventsDispatched.WithLabelValues(env.Name, "error").Inc()
		s.sendError(env.Name, appErr.Code, appErr.Message)
		return
	}
	metrics.EventsDispatched.WithLabelValues(env.Name, "ok").Inc()
}

// decode unmarshals and validates an event payload.
func decode(raw json.RawMessage, target any) *appErrors.AppError {
	if err := unmarshalPayload(raw, target); err != nil {
		return appErrors.NewBadRequest("invalid event payload")
	}
	if err := validator.ValidateStruct(target); err != nil {
		return appErrors.NewBadRequest(err.Error())
	}
	return nil
}

func unmarshalPayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, target)
}

func envelopeFor(name string, payload any) events.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Envelope{ID: uuid.NewString(), Name: name}
	}
	return events.Envelope{ID: uuid.NewString(), Name: name, Payload: raw}
}
