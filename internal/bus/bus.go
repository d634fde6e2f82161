// Package bus is the shared publish/subscribe fabric that fans events out
// across gateway processes. Subjects are dot-separated; delivery preserves
// the publish order of a single publisher on a single subject, which is the
// only ordering guarantee the platform makes.
package bus

// Handler consumes one published message.
type Handler func(subject string, data []byte)

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus connects all gateway processes of one cluster.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close()
}
