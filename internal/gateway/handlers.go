package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/helpdeck/relay/internal/backend"
	"github.com/helpdeck/relay/internal/metrics"
	"github.com/helpdeck/relay/internal/protocol"
	"github.com/helpdeck/relay/internal/rooms"
)

// typingExpiry bounds how long a typing indicator stays lit without an
// explicit typing:stop.
const typingExpiry = 10 * time.Second

// dispatch routes one inbound EVENT packet. Unknown events are dropped the
// same way malformed frames are; everything except ping passes the
// per-principal rate limiter first.
func (s *Server) dispatch(c *Conn, pkt protocol.Packet) {
	if !protocol.KnownInbound(pkt.Event) {
		metrics.MalformedFrames.Inc()
		s.log.Debug().Str("conn_id", c.id).Str("event", pkt.Event).Msg("Dropping unknown event")
		return
	}

	if pkt.Event != protocol.EventPing {
		d := s.msgLimiter.Allow(s.ctx, c.Tenant()+":"+c.Principal())
		if !d.Allowed {
			metrics.RateLimited.Inc()
			s.replyError(c, pkt, protocol.CodeRateLimited, "rate limit exceeded", d.RetryAfter)
			return
		}
	}

	switch pkt.Event {
	case protocol.EventPing:
		s.handlePing(c, pkt)
	case protocol.EventConversationJoin:
		s.handleJoin(c, pkt)
	case protocol.EventConversationLeave:
		s.handleLeave(c, pkt)
	case protocol.EventTypingStart:
		s.handleTyping(c, pkt, true)
	case protocol.EventTypingStop:
		s.handleTyping(c, pkt, false)
	case protocol.EventMessageSend:
		s.handleMessageSend(c, pkt)
	case protocol.EventSessionsList:
		s.handleSessionsList(c, pkt)
	}
}

// replyError answers over the ack channel when the request carried an ack
// id, and as an in-band error event otherwise.
func (s *Server) replyError(c *Conn, pkt protocol.Packet, code, message string, retryAfter time.Duration) {
	ep := &protocol.ErrorPayload{
		Code:         code,
		Message:      message,
		RetryAfterMs: retryAfter.Milliseconds(),
	}
	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.JoinAck{Success: false, Error: ep})
		return
	}
	c.sendErrorEvent(code, message, retryAfter)
}

func (s *Server) handlePing(c *Conn, pkt protocol.Packet) {
	if pkt.HasAck {
		c.sendAck(pkt.AckID, struct{}{})
		return
	}
	_ = c.Emit(protocol.EventPong, struct{}{})
}

func (s *Server) handleJoin(c *Conn, pkt protocol.Packet) {
	var req protocol.ConversationJoinRequest
	if err := json.Unmarshal(pkt.Data, &req); err != nil || req.ConversationID == "" {
		s.replyError(c, pkt, protocol.CodeProtocolError, "conversationId is required", 0)
		return
	}

	// Joins stop at shutdown start; established rooms keep working until
	// the grace period ends.
	if s.shuttingDown.Load() {
		s.replyError(c, pkt, protocol.CodeShuttingDown, "server is shutting down", s.cfg.ReconnectDelay)
		return
	}

	if err := s.router.Join(s.ctx, c, req.ConversationID); err != nil {
		if errors.Is(err, rooms.ErrRoomAccess) {
			s.replyError(c, pkt, protocol.CodeRoomAccessDenied, "conversation not accessible", 0)
		} else {
			s.log.Error().Err(err).Str("conn_id", c.id).Msg("Room join failed")
			s.replyError(c, pkt, protocol.CodeProtocolError, "join failed", 0)
		}
		return
	}

	conv, err := s.backend.Conversation(s.ctx, c.Tenant(), req.ConversationID)
	if err != nil {
		// Ownership was just verified; treat a read miss as empty history.
		conv = backend.Conversation{ID: req.ConversationID}
	}

	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.JoinAck{Success: true, LastMessageID: conv.LastMessageID})
	}
	_ = c.Emit(protocol.EventConversationJoined, protocol.ConversationJoinedPayload{
		ConversationID: req.ConversationID,
		LastMessageID:  conv.LastMessageID,
	})

	s.log.Debug().
		Str("conn_id", c.id).
		Str("conversation", req.ConversationID).
		Msg("Joined conversation room")
}

func (s *Server) handleLeave(c *Conn, pkt protocol.Packet) {
	var req protocol.ConversationJoinRequest
	if err := json.Unmarshal(pkt.Data, &req); err != nil || req.ConversationID == "" {
		s.replyError(c, pkt, protocol.CodeProtocolError, "conversationId is required", 0)
		return
	}
	s.router.Leave(c, req.ConversationID)
	c.cancelTypingStop(req.ConversationID)
	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.JoinAck{Success: true})
	}
}

// handleTyping relays a typing indicator to the opposite namespace of the
// conversation room. Indicators auto-expire if no explicit stop follows.
func (s *Server) handleTyping(c *Conn, pkt protocol.Packet, start bool) {
	var req protocol.TypingRequest
	if err := json.Unmarshal(pkt.Data, &req); err != nil || req.ConversationID == "" {
		s.replyError(c, pkt, protocol.CodeProtocolError, "conversationId is required", 0)
		return
	}
	if _, err := s.backend.Conversation(s.ctx, c.Tenant(), req.ConversationID); err != nil {
		s.replyError(c, pkt, protocol.CodeRoomAccessDenied, "conversation not accessible", 0)
		return
	}

	s.relayTyping(c, req.ConversationID, start)

	if start {
		conversationID := req.ConversationID
		c.scheduleTypingStop(conversationID, typingExpiry, func() {
			s.relayTyping(c, conversationID, false)
		})
	} else {
		c.cancelTypingStop(req.ConversationID)
	}

	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.JoinAck{Success: true})
	}
}

func (s *Server) relayTyping(c *Conn, conversationID string, isTyping bool) {
	switch c.Namespace() {
	case protocol.NamespaceDevice:
		_ = s.router.Broadcast(c.Tenant(), conversationID, protocol.NamespaceOperator,
			protocol.EventUserTyping, protocol.TypingPayload{
				ConversationID: conversationID,
				DeviceID:       c.Principal(),
				IsTyping:       isTyping,
			})
	case protocol.NamespaceOperator:
		_ = s.router.Broadcast(c.Tenant(), conversationID, protocol.NamespaceDevice,
			protocol.EventAgentTyping, protocol.TypingPayload{
				ConversationID: conversationID,
				IsTyping:       isTyping,
			})
	}
}

// handleMessageSend persists an operator message at most once per localId
// and broadcasts it to both sides of the conversation. Retries get the
// recorded result without a second persist or broadcast.
func (s *Server) handleMessageSend(c *Conn, pkt protocol.Packet) {
	if c.Namespace() != protocol.NamespaceOperator {
		s.replyError(c, pkt, protocol.CodeOperatorOnly, "message:send is operator-only", 0)
		return
	}

	var req protocol.MessageSendRequest
	if err := json.Unmarshal(pkt.Data, &req); err != nil ||
		req.ConversationID == "" || req.Body == "" || req.LocalID == "" {
		s.replyError(c, pkt, protocol.CodeProtocolError, "conversationId, body and localId are required", 0)
		return
	}

	conv, err := s.backend.Conversation(s.ctx, c.Tenant(), req.ConversationID)
	if err != nil {
		s.replyError(c, pkt, protocol.CodeNotFound, "conversation not found", 0)
		return
	}

	result, replayed, err := s.idem.Execute(s.ctx, c.Tenant(), req.ConversationID, req.LocalID,
		func(ctx context.Context) ([]byte, error) {
			msg, err := s.backend.CreateMessage(ctx, c.Tenant(), backend.Message{
				LocalID:        req.LocalID,
				ConversationID: req.ConversationID,
				Body:           req.Body,
				Sender:         c.Principal(),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(protocol.MessageNewPayload{
				ID:             msg.ID,
				LocalID:        msg.LocalID,
				ConversationID: msg.ConversationID,
				Body:           msg.Body,
				Sender:         msg.Sender,
				CreatedAt:      msg.CreatedAt,
				Status:         msg.Status,
			})
		})
	if err != nil {
		s.log.Error().Err(err).
			Str("conn_id", c.id).
			Str("conversation", req.ConversationID).
			Msg("Message send failed")
		s.replyError(c, pkt, protocol.CodeProtocolError, "message could not be persisted", 0)
		return
	}

	var payload protocol.MessageNewPayload
	if err := json.Unmarshal(result, &payload); err != nil {
		s.replyError(c, pkt, protocol.CodeProtocolError, "message record corrupted", 0)
		return
	}

	if replayed {
		metrics.IdempotentReplays.Inc()
	} else {
		metrics.Broadcasts.Inc()
		_ = s.router.Broadcast(c.Tenant(), req.ConversationID, protocol.NamespaceDevice,
			protocol.EventMessageNew, payload)
		_ = s.router.Broadcast(c.Tenant(), req.ConversationID, protocol.NamespaceOperator,
			protocol.EventMessageNew, payload)

		online, err := s.presence.IsOnline(s.ctx, c.Tenant(), conv.DeviceID)
		if err == nil && !online {
			if err := s.pusher.Notify(s.ctx, c.Tenant(), conv.DeviceID, protocol.EventMessageNew, result); err != nil {
				s.log.Warn().Err(err).Str("device", conv.DeviceID).Msg("Push notification failed")
			}
		}
	}

	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.SendAck{Success: true, Message: &payload})
	}
}

// handleSessionsList answers with the tenant's connected device sessions as
// recorded in shared presence.
func (s *Server) handleSessionsList(c *Conn, pkt protocol.Packet) {
	if c.Namespace() != protocol.NamespaceOperator {
		s.replyError(c, pkt, protocol.CodeOperatorOnly, "sessions:list is operator-only", 0)
		return
	}

	sessions, err := s.presence.Sessions(s.ctx, c.Tenant())
	if err != nil {
		s.replyError(c, pkt, protocol.CodeProtocolError, "presence store unavailable", 0)
		return
	}

	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, protocol.SessionInfo{
			DeviceID:          sess.DeviceID,
			ConnectionIDs:     sess.ConnectionIDs,
			ActiveConnections: int64(len(sess.ConnectionIDs)),
		})
	}

	if pkt.HasAck {
		c.sendAck(pkt.AckID, protocol.SessionsAck{Success: true, Sessions: infos})
		return
	}
	_ = c.Emit(protocol.EventSessionsList, protocol.SessionsAck{Success: true, Sessions: infos})
}
