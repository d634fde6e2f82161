// Package rooms maintains room membership and fans events out to every
// member connection across all gateway processes via the shared bus.
//
// Membership is partitioned per namespace: a device connection and an
// operator connection joined to "the same" conversation occupy separate
// membership entries, so fan-out targets each namespace independently.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/bus"
	"github.com/helpdeck/relay/internal/protocol"
)

// ErrRoomAccess is returned when a join targets a conversation outside the
// caller's tenant or one that does not exist. No room is created in either
// case.
var ErrRoomAccess = errors.New("rooms: access denied")

// Conn is the slice of a gateway connection the router needs.
type Conn interface {
	ID() string
	Tenant() string
	Namespace() string
	// Deliver enqueues an event for the connection; false means the send
	// buffer was full and the event was dropped.
	Deliver(event string, data json.RawMessage) bool
}

// Guard answers whether a tenant owns a conversation. The gateway wires the
// persistence collaborator here.
type Guard interface {
	OwnsConversation(ctx context.Context, tenant, conversationID string) error
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Router routes broadcasts to local members and relays remote ones through
// the bus. One bus subscription exists per subject with local members.
type Router struct {
	bus   bus.Bus
	guard Guard
	log   zerolog.Logger

	mu      sync.Mutex
	members map[string]map[string]Conn // subject -> connID -> conn
	subs    map[string]bus.Subscription
	joined  map[string]map[string]struct{} // connID -> subjects
}

// NewRouter builds a router over the given bus.
func NewRouter(b bus.Bus, guard Guard, logger zerolog.Logger) *Router {
	return &Router{
		bus:     b,
		guard:   guard,
		log:     logger.With().Str("component", "rooms").Logger(),
		members: make(map[string]map[string]Conn),
		subs:    make(map[string]bus.Subscription),
		joined:  make(map[string]map[string]struct{}),
	}
}

func nsLabel(namespace string) string {
	return strings.TrimPrefix(namespace, "/")
}

func roomSubject(tenant, room, namespace string) string {
	return fmt.Sprintf("relay.room.%s.%s.%s", tenant, room, nsLabel(namespace))
}

func tenantSubject(tenant string) string {
	return fmt.Sprintf("relay.tenant.%s.operator", tenant)
}

// Join subscribes the connection to a conversation room in its own
// namespace after verifying tenant ownership.
func (r *Router) Join(ctx context.Context, c Conn, conversationID string) error {
	if err := r.guard.OwnsConversation(ctx, c.Tenant(), conversationID); err != nil {
		return fmt.Errorf("%w: conversation %s: %v", ErrRoomAccess, conversationID, err)
	}
	return r.attach(c, roomSubject(c.Tenant(), conversationID, c.Namespace()))
}

// JoinTenant subscribes an operator connection to its tenant-wide feed
// (session lifecycle and presence events). No ownership check: the feed is
// scoped by the connection's own tenant.
func (r *Router) JoinTenant(c Conn) error {
	if c.Namespace() != protocol.NamespaceOperator {
		return fmt.Errorf("rooms: tenant feed is operator-only")
	}
	return r.attach(c, tenantSubject(c.Tenant()))
}

// Leave removes the connection from a conversation room.
func (r *Router) Leave(c Conn, conversationID string) {
	r.detach(c.ID(), roomSubject(c.Tenant(), conversationID, c.Namespace()))
}

// LeaveAll removes the connection from every room it joined. Called on
// connection teardown; membership removal is complete and atomic with
// respect to this router.
func (r *Router) LeaveAll(c Conn) {
	r.mu.Lock()
	subjects := make([]string, 0, len(r.joined[c.ID()]))
	for subject := range r.joined[c.ID()] {
		subjects = append(subjects, subject)
	}
	r.mu.Unlock()
	for _, subject := range subjects {
		r.detach(c.ID(), subject)
	}
}

// Broadcast publishes an event to every connection of the given namespace
// in the room, across all gateway processes.
func (r *Router) Broadcast(tenant, conversationID, namespace, event string, payload any) error {
	return r.publish(roomSubject(tenant, conversationID, namespace), event, payload)
}

// BroadcastTenant publishes an event to every operator connection of the
// tenant.
func (r *Router) BroadcastTenant(tenant, event string, payload any) error {
	return r.publish(tenantSubject(tenant), event, payload)
}

func (r *Router) publish(subject, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rooms: marshal %s: %w", event, err)
	}
	env, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return r.bus.Publish(subject, env)
}

func (r *Router) attach(c Conn, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[subject]
	if set == nil {
		set = make(map[string]Conn)
		r.members[subject] = set
		sub, err := r.bus.Subscribe(subject, r.deliverLocal)
		if err != nil {
			delete(r.members, subject)
			return fmt.Errorf("rooms: subscribe %s: %w", subject, err)
		}
		r.subs[subject] = sub
	}
	set[c.ID()] = c
	if r.joined[c.ID()] == nil {
		r.joined[c.ID()] = make(map[string]struct{})
	}
	r.joined[c.ID()][subject] = struct{}{}
	return nil
}

func (r *Router) detach(connID, subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[subject]
	if !ok {
		return
	}
	delete(set, connID)
	if js := r.joined[connID]; js != nil {
		delete(js, subject)
		if len(js) == 0 {
			delete(r.joined, connID)
		}
	}
	if len(set) == 0 {
		delete(r.members, subject)
		if sub := r.subs[subject]; sub != nil {
			sub.Unsubscribe()
			delete(r.subs, subject)
		}
	}
}

// deliverLocal hands a bus message to every local member of the subject.
func (r *Router) deliverLocal(subject string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn().Str("subject", subject).Err(err).Msg("Dropping malformed bus envelope")
		return
	}
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.members[subject]))
	for _, c := range r.members[subject] {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		if !c.Deliver(env.Event, env.Data) {
			r.log.Warn().
				Str("subject", subject).
				Str("conn_id", c.ID()).
				Str("event", env.Event).
				Msg("Dropped broadcast for slow connection")
		}
	}
}
