// Package email provides Notifier adapters.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"time"

	"github.com/artpar/billingd/ports"
)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`

	UseTLS      bool `yaml:"use_tls"`      // STARTTLS
	SkipVerify  bool `yaml:"skip_verify"`  // testing only
	UseImplicit bool `yaml:"use_implicit"` // port 465

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultSMTPConfig returns a configuration with sensible defaults.
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:     "localhost",
		Port:     587,
		From:     "billing@localhost",
		FromName: "Billing",
		UseTLS:   true,
		Timeout:  30 * time.Second,
	}
}

// SMTPNotifier delivers plain-text messages over SMTP.
type SMTPNotifier struct {
	config SMTPConfig
	now    func() time.Time
}

// NewSMTPNotifier creates a new SMTP notifier.
func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPNotifier{config: config, now: time.Now}
}

// Send delivers msg.
func (s *SMTPNotifier) Send(ctx context.Context, msg ports.Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return fmt.Errorf("recipient %q: %w", msg.To, err)
	}

	body := buildMessage(s.config, msg, s.now())
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if s.config.UseTLS && !s.config.UseImplicit {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

func (s *SMTPNotifier) dial(ctx context.Context, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: s.config.Timeout}
	if s.config.UseImplicit {
		d := &tls.Dialer{NetDialer: netDialer, Config: s.tlsConfig()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tls: %w", err)
		}
		return conn, nil
	}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (s *SMTPNotifier) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.SkipVerify,
	}
}

// buildMessage renders RFC 5322 headers and a plain-text body.
func buildMessage(cfg SMTPConfig, msg ports.Message, now time.Time) []byte {
	from := mail.Address{Name: cfg.FromName, Address: cfg.From}
	to := mail.Address{Name: msg.ToName, Address: msg.To}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	if msg.Priority == ports.PriorityHigh {
		buf.WriteString("X-Priority: 1\r\n")
		buf.WriteString("Importance: high\r\n")
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.Body)
	return buf.Bytes()
}

// Ensure interface compliance.
var _ ports.Notifier = (*SMTPNotifier)(nil)
