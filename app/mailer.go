package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
)

// Notification kinds.
const (
	MailPlanChanged         = "plan_changed"
	MailPlanChangeScheduled = "plan_change_scheduled"
	MailPaused              = "paused"
	MailResumed             = "resumed"
	MailCancelled           = "cancelled"
	MailReactivated         = "reactivated"
	MailInvoicePaid         = "invoice_paid"
	MailExpiryWarning       = "expiry_warning"
	MailOperatorAlert       = "operator_alert"
)

// MailerConfig configures outgoing notifications.
type MailerConfig struct {
	OperatorEmail    string
	UpdatePaymentURL string
	DashboardURL     string
	Async            bool
}

// MailData is the template context of a notification.
type MailData struct {
	UserName         string
	InvoiceNumber    string
	Amount           string
	Currency         string
	PlanName         string
	DueDate          string
	Date             string
	DaysUntil        int
	Reason           string
	Proration        string
	UpdatePaymentURL string
	DashboardURL     string
	Lines            []string
}

type mailTemplate struct {
	subject  *template.Template
	body     *template.Template
	priority ports.Priority
}

var mailBodies = map[string]struct{ subject, body string }{
	MailPlanChanged: {
		"Your plan has changed to {{.PlanName}}",
		"Hi {{.UserName}},\n\nYour subscription is now on the {{.PlanName}} plan.{{if .Proration}}\nProration adjustment: {{.Proration}} {{.Currency}}.{{end}}\n\nManage your subscription: {{.DashboardURL}}\n",
	},
	MailPlanChangeScheduled: {
		"Your plan change to {{.PlanName}} is scheduled",
		"Hi {{.UserName}},\n\nYour subscription will move to the {{.PlanName}} plan on {{.Date}}.\n\nManage your subscription: {{.DashboardURL}}\n",
	},
	MailPaused: {
		"Your subscription is paused",
		"Hi {{.UserName}},\n\nYour subscription has been paused.{{if .Date}} It will resume automatically on {{.Date}}.{{end}}\n\nResume any time: {{.DashboardURL}}\n",
	},
	MailResumed: {
		"Your subscription is active again",
		"Hi {{.UserName}},\n\nYour subscription has resumed. The next renewal is on {{.Date}}.\n",
	},
	MailCancelled: {
		"Your subscription has been cancelled",
		"Hi {{.UserName}},\n\nYour subscription has been cancelled. Access continues until {{.Date}}.{{if .Reason}}\nReason: {{.Reason}}{{end}}\n\nChanged your mind? {{.DashboardURL}}\n",
	},
	MailReactivated: {
		"Welcome back",
		"Hi {{.UserName}},\n\nYour subscription is active again. The next renewal is on {{.Date}}.\n",
	},
	MailInvoicePaid: {
		"Payment received for invoice {{.InvoiceNumber}}",
		"Hi {{.UserName}},\n\nWe received {{.Amount}} {{.Currency}} for invoice {{.InvoiceNumber}}. Thank you.\n\nInvoices: {{.DashboardURL}}\n",
	},
	MailExpiryWarning: {
		"Your subscription renews in {{.DaysUntil}} day{{if ne .DaysUntil 1}}s{{end}}",
		"Hi {{.UserName}},\n\nYour {{.PlanName}} subscription renews on {{.Date}}.\n\nManage your subscription: {{.DashboardURL}}\n",
	},
	MailOperatorAlert: {
		"[billingd] {{.Reason}}",
		"{{range .Lines}}{{.}}\n{{end}}",
	},
	"dunning_1": {
		"",
		"Hi {{.UserName}},\n\nWe could not collect {{.Amount}} {{.Currency}} for invoice {{.InvoiceNumber}} ({{.PlanName}}). We will retry automatically.\n\nUpdate your payment method: {{.UpdatePaymentURL}}\n",
	},
	"dunning_2": {
		"",
		"Hi {{.UserName}},\n\nInvoice {{.InvoiceNumber}} for {{.Amount}} {{.Currency}} is still unpaid. Updating your payment method now avoids any interruption.\n\nUpdate your payment method: {{.UpdatePaymentURL}}\nDashboard: {{.DashboardURL}}\n",
	},
	"dunning_3": {
		"",
		"Hi {{.UserName}},\n\nThis is the final reminder for invoice {{.InvoiceNumber}} ({{.Amount}} {{.Currency}}), due {{.DueDate}}. Your {{.PlanName}} subscription will be suspended if the next attempt fails.\n\nUpdate your payment method: {{.UpdatePaymentURL}}\n",
	},
	"dunning_4": {
		"",
		"Hi {{.UserName}},\n\nWe were unable to collect payment for invoice {{.InvoiceNumber}} and your {{.PlanName}} subscription has been suspended. You can reactivate it at any time.\n\nReactivate: {{.DashboardURL}}\n",
	},
}

// Mailer renders and delivers notifications. Failures are logged and
// counted, never returned.
type Mailer struct {
	notifier  ports.Notifier
	users     ports.UserStore
	config    MailerConfig
	templates map[string]mailTemplate
	metrics   Metrics
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewMailer creates a mailer.
func NewMailer(notifier ports.Notifier, users ports.UserStore, config MailerConfig, metrics Metrics, logger zerolog.Logger) *Mailer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Mailer{
		notifier:  notifier,
		users:     users,
		config:    config,
		templates: parseMailTemplates(),
		metrics:   metrics,
		logger:    logger,
	}
}

func parseMailTemplates() map[string]mailTemplate {
	out := make(map[string]mailTemplate, len(mailBodies))
	for kind, t := range mailBodies {
		subject := t.subject
		priority := ports.PriorityNormal
		if level, ok := dunningLevelOf(kind); ok {
			subject = level.Subject
			if level.Priority == dunning.PriorityHigh {
				priority = ports.PriorityHigh
			}
		}
		if kind == MailOperatorAlert {
			priority = ports.PriorityHigh
		}
		out[kind] = mailTemplate{
			subject:  template.Must(template.New(kind + ".subject").Parse(subject)),
			body:     template.Must(template.New(kind + ".body").Parse(t.body)),
			priority: priority,
		}
	}
	return out
}

func dunningLevelOf(kind string) (dunning.Level, bool) {
	var n int
	if _, err := fmt.Sscanf(kind, "dunning_%d", &n); err != nil {
		return dunning.Level{}, false
	}
	return dunning.LevelFor(n)
}

// DunningKind returns the notification kind of a dunning level.
func DunningKind(level int) string {
	return fmt.Sprintf("dunning_%d", level)
}

// Notify sends kind to the user. The user's name fills data.UserName.
func (m *Mailer) Notify(ctx context.Context, userID, kind string, data MailData) {
	if m == nil || m.notifier == nil {
		return
	}
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Str("kind", kind).Msg("notification skipped, user not found")
		m.metrics.NotificationFailed(kind)
		return
	}
	if user.Email == "" {
		m.logger.Warn().Str("user_id", userID).Str("kind", kind).Msg("notification skipped, no address")
		return
	}
	data.UserName = displayName(user)
	m.send(ctx, user.Email, user.Name, kind, data)
}

// Alert sends an operator alert. It is a no-op without an operator address.
func (m *Mailer) Alert(ctx context.Context, reason string, lines []string) {
	if m == nil || m.notifier == nil || m.config.OperatorEmail == "" {
		return
	}
	m.send(ctx, m.config.OperatorEmail, "", MailOperatorAlert, MailData{Reason: reason, Lines: lines})
}

func (m *Mailer) send(ctx context.Context, to, name, kind string, data MailData) {
	tmpl, ok := m.templates[kind]
	if !ok {
		m.logger.Error().Str("kind", kind).Msg("unknown notification kind")
		return
	}
	if data.UpdatePaymentURL == "" {
		data.UpdatePaymentURL = m.config.UpdatePaymentURL
	}
	if data.DashboardURL == "" {
		data.DashboardURL = m.config.DashboardURL
	}

	subject, err := render(tmpl.subject, data)
	if err == nil {
		var body string
		body, err = render(tmpl.body, data)
		if err == nil {
			msg := ports.Message{To: to, ToName: name, Subject: subject, Body: body, Priority: tmpl.priority}
			m.deliver(ctx, kind, msg)
			return
		}
	}
	m.logger.Error().Err(err).Str("kind", kind).Msg("failed to render notification")
	m.metrics.NotificationFailed(kind)
}

func (m *Mailer) deliver(ctx context.Context, kind string, msg ports.Message) {
	do := func(ctx context.Context) {
		if err := m.notifier.Send(ctx, msg); err != nil {
			m.logger.Error().Err(err).Str("kind", kind).Str("to", msg.To).Msg("failed to send notification")
			m.metrics.NotificationFailed(kind)
			return
		}
		m.logger.Debug().Str("kind", kind).Str("to", msg.To).Msg("notification sent")
	}

	if !m.config.Async {
		do(ctx)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		do(ctx)
	}()
}

// Close waits for in-flight async sends.
func (m *Mailer) Close() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func render(t *template.Template, data MailData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func displayName(u ports.User) string {
	if u.Name != "" {
		return u.Name
	}
	if i := strings.IndexByte(u.Email, '@'); i > 0 {
		return u.Email[:i]
	}
	return "there"
}

func formatDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}

func invoiceMailData(inv billing.Invoice, planName string) MailData {
	return MailData{
		InvoiceNumber: inv.Number,
		Amount:        inv.TotalAmount.StringFixed(2),
		Currency:      inv.Currency,
		PlanName:      planName,
		DueDate:       formatDate(inv.DueDate),
	}
}
