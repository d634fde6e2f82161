package gateway

import (
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/helpdeck/relay/internal/metrics"
	"github.com/helpdeck/relay/internal/protocol"
)

// writeWait bounds every transport write.
const writeWait = 10 * time.Second

// readPump is the only reader of the transport. Any inbound frame counts as
// liveness: it extends the read deadline and, for devices, the presence
// lease. Malformed frames are counted and skipped without tearing the
// connection down.
func (s *Server) readPump(c *Conn) {
	defer s.disconnect(c, "read_closed")

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.netConn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		raw, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			if err != io.EOF {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					s.disconnect(c, "heartbeat_timeout")
					return
				}
				s.log.Debug().Err(err).Str("conn_id", c.id).Msg("Read error")
			}
			return
		}
		if op == ws.OpClose {
			s.disconnect(c, "client_close")
			return
		}
		if op != ws.OpText {
			continue
		}

		c.touchHeartbeat()
		s.refreshLease(c)

		ft, body, err := protocol.DecodeFrame(raw)
		if err != nil {
			metrics.MalformedFrames.Inc()
			s.log.Debug().Str("conn_id", c.id).Msg("Dropping malformed frame")
			continue
		}

		switch ft {
		case protocol.FramePing:
			c.enqueue(protocol.EncodeFrame(protocol.FramePong, nil))
		case protocol.FramePong:
			// Liveness already recorded above.
		case protocol.FrameMessage:
			pkt, err := protocol.Decode(body)
			if err != nil {
				metrics.MalformedFrames.Inc()
				s.log.Debug().Str("conn_id", c.id).Msg("Dropping malformed packet")
				continue
			}
			if pkt.Namespace != c.Namespace() {
				metrics.MalformedFrames.Inc()
				continue
			}
			switch pkt.Type {
			case protocol.PacketEvent:
				metrics.EventsReceived.Inc()
				s.dispatch(c, pkt)
			case protocol.PacketAck:
				c.acks.resolve(pkt.AckID, pkt.Data)
			case protocol.PacketDisconnect:
				s.disconnect(c, "client_disconnect")
				return
			default:
				metrics.MalformedFrames.Inc()
			}
		default:
			metrics.MalformedFrames.Inc()
		}
	}
}

// refreshLease extends the device's presence entry; failures degrade to the
// TTL expiring on its own.
func (s *Server) refreshLease(c *Conn) {
	if c.Namespace() != protocol.NamespaceDevice {
		return
	}
	s.presence.Refresh(s.ctx, c.Tenant(), c.Principal(), c.id)
}

// writePump is the only writer of the transport. It drains the outbound
// queue, coalescing whatever is already buffered into one syscall burst,
// and emits protocol pings on the advertised interval.
func (s *Server) writePump(c *Conn) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	defer s.disconnect(c, "write_closed")

	writeFrame := func(frame []byte) bool {
		c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(c.netConn, ws.OpText, frame); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.id).Msg("Write error")
			return false
		}
		return true
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if !writeFrame(frame) {
				return
			}
			// Drain whatever queued up behind this frame before sleeping
			// again.
		drain:
			for {
				select {
				case next := <-c.send:
					if !writeFrame(next) {
						return
					}
				default:
					break drain
				}
			}
		case <-pingTicker.C:
			if !writeFrame(protocol.EncodeFrame(protocol.FramePing, nil)) {
				return
			}
		}
	}
}
