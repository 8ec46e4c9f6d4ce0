// Package sender holds the delivery-side collaborators: one Sender per
// notification channel, resolved once at startup through a Registry. The
// queue core only ever sees the Sender contract; any error from Send is a
// delivery failure, with no distinction between a false result and a thrown
// one.
package sender

import (
	"context"

	"github.com/badat/notiq/internal/domain"
)

type Sender interface {
	// Channel returns the channel tag this sender handles.
	Channel() domain.Channel

	// Send delivers one notification. recipient is the channel-specific
	// address (email, phone, device token, URL, user id); metadata carries
	// channel-specific extras such as cc/bcc lists.
	Send(ctx context.Context, recipient, title, body string, metadata map[string]any) error

	// Healthy reports whether the channel is currently able to send.
	Healthy(ctx context.Context) bool
}

// Registry maps channel tags to senders. It is populated at startup and
// read-only afterwards, so no locking is needed.
type Registry struct {
	senders map[domain.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[domain.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

func (r *Registry) Get(ch domain.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}

// Health returns the current health of every registered sender.
func (r *Registry) Health(ctx context.Context) map[domain.Channel]bool {
	out := make(map[domain.Channel]bool, len(r.senders))
	for ch, s := range r.senders {
		out[ch] = s.Healthy(ctx)
	}
	return out
}
