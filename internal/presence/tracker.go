// Package presence maintains the shared mapping from device to its set of
// live connections. The aggregate lives in the coordination store, so every
// gateway process observes the same state; online/offline boundary crossings
// are detected from the atomic add/remove results, never from a
// read-modify-write in application code.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/store"
)

const keyPrefix = "relay:presence:"

// BoundarySink receives exactly one call per true online/offline boundary
// crossing of a device, cluster-wide.
type BoundarySink interface {
	DeviceOnline(ctx context.Context, tenant, device string)
	DeviceOffline(ctx context.Context, tenant, device string)
}

// NopSink discards boundary events.
type NopSink struct{}

func (NopSink) DeviceOnline(context.Context, string, string)  {}
func (NopSink) DeviceOffline(context.Context, string, string) {}

// Session describes the live connections of one device.
type Session struct {
	DeviceID      string
	ConnectionIDs []string
}

// Tracker tracks device connection sets with per-connection expiry.
type Tracker struct {
	store store.Store
	sink  BoundarySink
	ttl   time.Duration
	log   zerolog.Logger
}

// NewTracker builds a tracker. ttl bounds how long a connection entry
// survives without a heartbeat refresh; it protects against gateways dying
// without running teardown.
func NewTracker(st store.Store, sink BoundarySink, ttl time.Duration, logger zerolog.Logger) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{
		store: st,
		sink:  sink,
		ttl:   ttl,
		log:   logger.With().Str("component", "presence").Logger(),
	}
}

func key(tenant, device string) string {
	return keyPrefix + tenant + ":" + device
}

// Set registers connID as a live connection of the device. The first live
// connection of a device emits a single device-online event.
func (t *Tracker) Set(ctx context.Context, tenant, device, connID string) error {
	active, added, err := t.store.AddPresence(ctx, key(tenant, device), connID, t.ttl)
	if err != nil {
		return fmt.Errorf("presence: set %s/%s: %w", tenant, device, err)
	}
	if added && active == 1 {
		t.log.Debug().Str("tenant", tenant).Str("device", device).Msg("Device online")
		t.sink.DeviceOnline(ctx, tenant, device)
	}
	return nil
}

// Remove unregisters connID. Removing the last live connection emits a
// single device-offline event and deletes the aggregate.
func (t *Tracker) Remove(ctx context.Context, tenant, device, connID string) error {
	active, removed, err := t.store.RemovePresence(ctx, key(tenant, device), connID)
	if err != nil {
		return fmt.Errorf("presence: remove %s/%s: %w", tenant, device, err)
	}
	if removed && active == 0 {
		t.log.Debug().Str("tenant", tenant).Str("device", device).Msg("Device offline")
		t.sink.DeviceOffline(ctx, tenant, device)
	}
	return nil
}

// Refresh extends the expiry of connID on heartbeat activity. A store outage
// here fails open: the entry will age out only if the outage outlasts the
// TTL, which matches the crash-recovery behavior anyway.
func (t *Tracker) Refresh(ctx context.Context, tenant, device, connID string) {
	if err := t.store.RefreshPresence(ctx, key(tenant, device), connID, t.ttl); err != nil {
		t.log.Warn().Err(err).
			Str("tenant", tenant).
			Str("device", device).
			Msg("Presence refresh failed, continuing")
	}
}

// IsOnline reports whether the device has at least one live connection.
func (t *Tracker) IsOnline(ctx context.Context, tenant, device string) (bool, error) {
	n, err := t.ActiveConnectionCount(ctx, tenant, device)
	return n > 0, err
}

// ActiveConnectionCount returns the number of live connections of a device.
func (t *Tracker) ActiveConnectionCount(ctx context.Context, tenant, device string) (int64, error) {
	n, err := t.store.CountPresence(ctx, key(tenant, device))
	if err != nil {
		return 0, fmt.Errorf("presence: count %s/%s: %w", tenant, device, err)
	}
	return n, nil
}

// Sessions lists every online device of a tenant with its connection ids.
func (t *Tracker) Sessions(ctx context.Context, tenant string) ([]Session, error) {
	prefix := keyPrefix + tenant + ":"
	keys, err := t.store.ScanPresence(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("presence: sessions %s: %w", tenant, err)
	}
	sessions := make([]Session, 0, len(keys))
	for _, k := range keys {
		members, err := t.store.PresenceMembers(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("presence: sessions %s: %w", tenant, err)
		}
		if len(members) == 0 {
			continue
		}
		sort.Strings(members)
		sessions = append(sessions, Session{
			DeviceID:      strings.TrimPrefix(k, prefix),
			ConnectionIDs: members,
		})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].DeviceID < sessions[j].DeviceID })
	return sessions, nil
}
