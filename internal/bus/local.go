package bus

import "sync"

// LocalBus is an in-process Bus for tests and single-node development.
// Handlers run synchronously in publish order, matching the per-publisher
// per-subject ordering of the NATS driver.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]Handler)}
}

func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(subject, data)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[subject][id] = h
	return &localSub{bus: b, subject: subject, id: id}, nil
}

func (b *LocalBus) Close() {}

type localSub struct {
	bus     *LocalBus
	subject string
	id      int
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.subject], s.id)
	if len(s.bus.subs[s.subject]) == 0 {
		delete(s.bus.subs, s.subject)
	}
	return nil
}
