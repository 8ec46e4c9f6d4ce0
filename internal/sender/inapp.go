package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
)

// InboxWriter persists in-app messages; implemented by the storage layer.
type InboxWriter interface {
	InsertInbox(ctx context.Context, userID, title, body string, metadata map[string]any) error
}

// InApp materializes the notification as a row in the recipient's inbox; the
// recipient is a user id.
type InApp struct {
	inbox InboxWriter
	log   *zap.Logger
}

func NewInApp(inbox InboxWriter, log *zap.Logger) *InApp {
	return &InApp{inbox: inbox, log: log}
}

func (a *InApp) Channel() domain.Channel { return domain.ChannelInApp }

func (a *InApp) Send(ctx context.Context, recipient, title, body string, metadata map[string]any) error {
	return a.inbox.InsertInbox(ctx, recipient, title, body, metadata)
}

func (a *InApp) Healthy(context.Context) bool { return a.inbox != nil }
