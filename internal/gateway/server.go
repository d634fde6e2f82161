// Package gateway accepts transport connections, runs the authentication
// handshake, owns per-connection lifecycle and speaks the framed event
// protocol. Cross-process state (presence, rooms, limits, idempotency) lives
// behind the shared store and bus; the gateway itself keeps only the
// connections it accepted.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/auth"
	"github.com/helpdeck/relay/internal/backend"
	"github.com/helpdeck/relay/internal/bus"
	"github.com/helpdeck/relay/internal/config"
	"github.com/helpdeck/relay/internal/idempotency"
	"github.com/helpdeck/relay/internal/limits"
	"github.com/helpdeck/relay/internal/metrics"
	"github.com/helpdeck/relay/internal/presence"
	"github.com/helpdeck/relay/internal/protocol"
	"github.com/helpdeck/relay/internal/rooms"
	"github.com/helpdeck/relay/internal/store"
)

// Options wires the gateway's collaborators.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Store   store.Store
	Bus     bus.Bus
	Auth    auth.Authenticator
	Backend backend.Messages
	Pusher  backend.Pusher
}

// Server is one gateway process.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	store       store.Store
	auth        auth.Authenticator
	backend     backend.Messages
	pusher      backend.Pusher
	presence    *presence.Tracker
	router      *rooms.Router
	msgLimiter  *limits.TokenBucket
	authLimiter *limits.FixedWindow
	connLimiter *limits.ConnLimiter
	idem        *idempotency.Store

	listener net.Listener
	conns    sync.Map // connID -> *Conn
	active   atomic.Int64
	connSem  chan struct{}

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewServer assembles a gateway from its collaborators.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     opts.Config,
		log:     opts.Logger.With().Str("component", "gateway").Logger(),
		store:   opts.Store,
		auth:    opts.Auth,
		backend: opts.Backend,
		pusher:  opts.Pusher,
		connSem: make(chan struct{}, opts.Config.MaxConnections),
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.pusher == nil {
		s.pusher = backend.NopPusher{}
	}

	s.router = rooms.NewRouter(opts.Bus, conversationGuard{s.backend}, opts.Logger)
	s.presence = presence.NewTracker(opts.Store, &presenceSink{router: s.router}, opts.Config.PresenceTTL, opts.Logger)
	s.msgLimiter = limits.NewTokenBucket(opts.Store, opts.Config.MessageRateCapacity, opts.Config.MessageRateWindow, opts.Logger)
	s.authLimiter = limits.NewFixedWindow(opts.Store, opts.Config.AuthWindowBudget, opts.Config.AuthWindow, opts.Logger)
	s.idem = idempotency.New(opts.Store, opts.Config.IdempotencyTTL, opts.Logger)
	if opts.Config.ConnLimitEnabled {
		s.connLimiter = limits.NewConnLimiter(limits.ConnLimiterConfig{
			IPRate:  opts.Config.ConnLimitIPRate,
			IPBurst: opts.Config.ConnLimitIPBurst,
		}, opts.Logger)
	}
	return s, nil
}

// conversationGuard adapts the persistence collaborator to the room access
// check: a join succeeds only when the caller's tenant owns the
// conversation.
type conversationGuard struct {
	messages backend.Messages
}

func (g conversationGuard) OwnsConversation(ctx context.Context, tenant, conversationID string) error {
	_, err := g.messages.Conversation(ctx, tenant, conversationID)
	return err
}

// presenceSink turns device boundary crossings into operator-namespace
// broadcasts, exactly one per crossing.
type presenceSink struct {
	router *rooms.Router
}

func (p *presenceSink) DeviceOnline(_ context.Context, tenant, device string) {
	metrics.PresenceTransitions.WithLabelValues("online").Inc()
	_ = p.router.BroadcastTenant(tenant, protocol.EventPresenceChange, protocol.PresenceChangePayload{
		DeviceID:          device,
		IsOnline:          true,
		ActiveConnections: 1,
	})
}

func (p *presenceSink) DeviceOffline(_ context.Context, tenant, device string) {
	metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	_ = p.router.BroadcastTenant(tenant, protocol.EventPresenceChange, protocol.PresenceChangePayload{
		DeviceID:          device,
		IsOnline:          false,
		ActiveConnections: 0,
	})
}

// Router exposes the broadcast engine, mainly for tests and tooling.
func (s *Server) Router() *rooms.Router { return s.router }

// Presence exposes the presence tracker.
func (s *Server) Presence() *presence.Tracker { return s.presence }

// ActiveConnections reports the connections currently held by this process.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    2 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.log.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")
	return nil
}

// handleWebSocket upgrades the transport and runs the handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		metrics.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := clientIP(r)
	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP) {
		metrics.ConnectionsRejected.WithLabelValues("conn_rate").Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.log.Debug().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHandshake(conn, clientIP)
	}()
}

// runHandshake sends the open frame and expects a CONNECT packet within the
// handshake window. Failures close the transport without ever creating a
// connection record.
func (s *Server) runHandshake(netConn net.Conn, clientIP string) {
	release := func() {
		netConn.Close()
		<-s.connSem
	}

	open, _ := json.Marshal(protocol.OpenPayload{
		PingIntervalMs: s.cfg.PingInterval.Milliseconds(),
		PingTimeoutMs:  s.cfg.PongTimeout.Milliseconds(),
	})
	netConn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(netConn, ws.OpText, protocol.EncodeFrame(protocol.FrameOpen, open)); err != nil {
		release()
		return
	}

	netConn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeWait))
	raw, op, err := wsutil.ReadClientData(netConn)
	if err != nil || op != ws.OpText {
		release()
		return
	}

	hs, ns, err := decodeConnect(raw)
	if err != nil {
		s.refuse(netConn, ns, protocol.CodeProtocolError, "malformed handshake")
		release()
		return
	}

	// Coarse fixed-window budget on the authentication path.
	if d := s.authLimiter.Allow(s.ctx, "auth:"+clientIP); !d.Allowed {
		metrics.ConnectionsRejected.WithLabelValues("auth_rate").Inc()
		s.refuse(netConn, ns, protocol.CodeRateLimited, "too many handshake attempts")
		release()
		return
	}

	identity, err := s.auth.Authenticate(s.ctx, hs)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		s.log.Info().
			Str("client_ip", clientIP).
			Str("tenant", hs.TenantID).
			Str("principal", hs.PrincipalID).
			Msg("Handshake refused")
		s.refuse(netConn, ns, protocol.CodeAuthFailed, "invalid credential")
		release()
		return
	}

	c := &Conn{
		id:              uuid.NewString(),
		identity:        identity,
		netConn:         netConn,
		server:          s,
		send:            make(chan []byte, s.cfg.SendQueueSize),
		done:            make(chan struct{}),
		acks:            newAckTable(),
		authenticatedAt: time.Now(),
		typingTimers:    make(map[string]*time.Timer),
	}
	c.state.Store(StateConnecting)
	c.touchHeartbeat()

	if err := s.register(c); err != nil {
		s.log.Error().Err(err).Str("conn_id", c.id).Msg("Connection registration failed")
		s.refuse(netConn, identity.Namespace, protocol.CodeProtocolError, "registration failed")
		release()
		return
	}

	c.state.Store(StateConnected)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Set(float64(s.active.Load()))

	// Confirm the handshake, then the event catalog takes over.
	ackPkt := protocol.Packet{Type: protocol.PacketConnect, Namespace: identity.Namespace}
	if frame, err := ackPkt.EncodeMessage(); err == nil {
		c.enqueue(frame)
	}
	_ = c.Emit(protocol.EventConnected, protocol.ConnectedPayload{ConnectionID: c.id})

	s.log.Info().
		Str("conn_id", c.id).
		Str("tenant", identity.TenantID).
		Str("principal", identity.PrincipalID).
		Str("namespace", identity.Namespace).
		Int64("active", s.active.Load()).
		Msg("Connection established")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// register records the connection and announces it cluster-wide.
func (s *Server) register(c *Conn) error {
	s.conns.Store(c.id, c)
	s.active.Add(1)

	switch c.Namespace() {
	case protocol.NamespaceDevice:
		if err := s.presence.Set(s.ctx, c.Tenant(), c.Principal(), c.id); err != nil {
			s.conns.Delete(c.id)
			s.active.Add(-1)
			return err
		}
		_ = s.router.BroadcastTenant(c.Tenant(), protocol.EventSessionConnect, protocol.SessionConnectPayload{
			DeviceID:     c.Principal(),
			ConnectionID: c.id,
			ConnectedAt:  c.authenticatedAt.UTC(),
		})
	case protocol.NamespaceOperator:
		if err := s.router.JoinTenant(c); err != nil {
			s.conns.Delete(c.id)
			s.active.Add(-1)
			return err
		}
	}
	return nil
}

// refuse sends an ERROR packet and lets the caller close the transport.
func (s *Server) refuse(netConn net.Conn, namespace, code, message string) {
	if namespace == "" {
		namespace = protocol.NamespaceDevice
	}
	data, _ := json.Marshal(protocol.ErrorPayload{Code: code, Message: message})
	pkt := protocol.Packet{Type: protocol.PacketError, Namespace: namespace, Data: data}
	if frame, err := pkt.EncodeMessage(); err == nil {
		netConn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = wsutil.WriteServerMessage(netConn, ws.OpText, frame)
	}
}

// decodeConnect parses the first frame of a connection.
func decodeConnect(raw []byte) (protocol.Handshake, string, error) {
	ft, body, err := protocol.DecodeFrame(raw)
	if err != nil || ft != protocol.FrameMessage {
		return protocol.Handshake{}, "", protocol.ErrMalformedFrame
	}
	pkt, err := protocol.Decode(body)
	if err != nil || pkt.Type != protocol.PacketConnect {
		return protocol.Handshake{}, "", protocol.ErrMalformedFrame
	}
	var hs protocol.Handshake
	if err := json.Unmarshal(pkt.Data, &hs); err != nil {
		return protocol.Handshake{}, pkt.Namespace, protocol.ErrMalformedFrame
	}
	if hs.Namespace == "" {
		hs.Namespace = pkt.Namespace
	}
	if hs.Namespace != pkt.Namespace {
		return protocol.Handshake{}, pkt.Namespace, protocol.ErrMalformedFrame
	}
	return hs, pkt.Namespace, nil
}

// disconnect tears a connection down exactly once: membership, presence and
// pending acks are all released, and operators are told about device
// departures.
func (s *Server) disconnect(c *Conn, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosing)
		close(c.done)
		c.netConn.Close()

		c.cancelAllTyping()
		s.router.LeaveAll(c)
		if c.Namespace() == protocol.NamespaceDevice {
			if err := s.presence.Remove(s.ctx, c.Tenant(), c.Principal(), c.id); err != nil {
				s.log.Warn().Err(err).Str("conn_id", c.id).Msg("Presence removal failed, entry will expire")
			}
			_ = s.router.BroadcastTenant(c.Tenant(), protocol.EventSessionDisconnect, protocol.SessionDisconnectPayload{
				DeviceID:     c.Principal(),
				ConnectionID: c.id,
				Reason:       reason,
			})
		}
		c.acks.failAll(ErrConnClosed)

		s.conns.Delete(c.id)
		s.active.Add(-1)
		<-s.connSem
		metrics.ConnectionsCurrent.Set(float64(s.active.Load()))
		metrics.Disconnects.WithLabelValues(reason).Inc()
		c.state.Store(StateDisconnected)

		s.log.Info().
			Str("conn_id", c.id).
			Str("reason", reason).
			Dur("duration", time.Since(c.authenticatedAt)).
			Msg("Connection closed")
	})
}

// Shutdown runs the graceful sequence: stop accepting joins, notify every
// connection with the advised reconnect delay, drain within the grace
// period, then close what remains.
func (s *Server) Shutdown() error {
	s.log.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	notice := protocol.ServerShutdownPayload{
		Message:          "gateway restarting",
		ReconnectDelayMs: s.cfg.ReconnectDelay.Milliseconds(),
	}
	s.conns.Range(func(_, value any) bool {
		if c, ok := value.(*Conn); ok {
			_ = c.Emit(protocol.EventServerShutdown, notice)
		}
		return true
	})

	drainTimer := time.NewTimer(s.cfg.ShutdownGrace)
	checkTicker := time.NewTicker(500 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.active.Load()
			if remaining > 0 {
				s.log.Warn().Int64("remaining", remaining).Msg("Grace period expired, force closing")
			}
			break drain
		case <-checkTicker.C:
			if s.active.Load() == 0 {
				s.log.Info().Msg("All connections drained")
				break drain
			}
		}
	}

	s.conns.Range(func(_, value any) bool {
		if c, ok := value.(*Conn); ok {
			s.disconnect(c, "server_shutdown")
		}
		return true
	})

	s.cancel()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	s.wg.Wait()
	s.log.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleHealth reports process liveness plus store and bus reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		// Fail-open paths keep the gateway serving through store outages,
		// so a degraded store is reported but not a failure.
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.active.Load(),
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
