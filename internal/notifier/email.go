package notifier

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/smallbiznis/subtrack/internal/providers/email"
	"go.uber.org/zap"
)

var graceWarningTmpl = template.Must(template.New("grace_warning").Parse(`
<p>Your {{.PlanCode}} subscription ends on {{.EndsAt.Format "January 2, 2006"}}.</p>
<p>You have {{.DaysRemaining}} day{{if ne .DaysRemaining 1}}s{{end}} left before access is removed.
Renew now to keep your data and settings.</p>
`))

var expiredTmpl = template.Must(template.New("expired").Parse(`
<p>Your {{.PlanCode}} subscription has expired and access has been removed.</p>
<p>Your data is retained; resubscribe at any time to restore access.</p>
`))

type EmailNotifier struct {
	provider email.Provider
	log      *zap.Logger
}

func NewEmailNotifier(provider email.Provider, log *zap.Logger) Notifier {
	return &EmailNotifier{
		provider: provider,
		log:      log.Named("notifier.email"),
	}
}

func (n *EmailNotifier) NotifyGraceWarning(ctx context.Context, notification Notification) error {
	subject := fmt.Sprintf("Your subscription ends in %d day(s)", notification.DaysRemaining)
	return n.send(ctx, notification, graceWarningTmpl, subject)
}

func (n *EmailNotifier) NotifyExpired(ctx context.Context, notification Notification) error {
	return n.send(ctx, notification, expiredTmpl, "Your subscription has expired")
}

func (n *EmailNotifier) send(ctx context.Context, notification Notification, tmpl *template.Template, subject string) error {
	if notification.Email == "" {
		n.log.Warn("no billing contact for tenant, skipping notice",
			zap.String("tenant_id", notification.TenantID.String()),
			zap.String("subscription_id", notification.SubscriptionID.String()),
		)
		return nil
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, notification); err != nil {
		return fmt.Errorf("render notice: %w", err)
	}
	return n.provider.Send(ctx, []string{notification.Email}, subject, body.String())
}
