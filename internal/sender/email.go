package sender

import (
	"context"

	"github.com/pkg/errors"
	mail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email delivers over SMTP. The body is sent as HTML; cc and bcc lists are
// read from metadata.
type Email struct {
	cfg EmailConfig
	log *zap.Logger
}

func NewEmail(cfg EmailConfig, log *zap.Logger) *Email {
	return &Email{cfg: cfg, log: log}
}

func (e *Email) Channel() domain.Channel { return domain.ChannelEmail }

func (e *Email) Send(ctx context.Context, recipient, title, body string, metadata map[string]any) error {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return errors.Wrap(err, "email: from address")
	}
	if err := msg.To(recipient); err != nil {
		return errors.Wrap(err, "email: to address")
	}
	msg.Subject(title)
	msg.SetBodyString(mail.TypeTextHTML, body)

	if cc := addressList(metadata["cc"]); len(cc) > 0 {
		if err := msg.Cc(cc...); err != nil {
			return errors.Wrap(err, "email: cc address")
		}
	}
	if bcc := addressList(metadata["bcc"]); len(bcc) > 0 {
		if err := msg.Bcc(bcc...); err != nil {
			return errors.Wrap(err, "email: bcc address")
		}
	}

	opts := []mail.Option{mail.WithPort(e.cfg.Port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password))
	}
	client, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(err, "email: smtp client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrapf(err, "email: send to %s", recipient)
	}
	e.log.Debug("email sent", zap.String("recipient", recipient))
	return nil
}

func (e *Email) Healthy(context.Context) bool {
	return e.cfg.Host != "" && e.cfg.From != ""
}

// addressList normalizes a metadata entry that may arrive as a string, a
// []string, or a []any of strings after a JSON round trip.
func addressList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
