package digest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"pairterm/internal/config"
	"pairterm/internal/runlog"
	"pairterm/internal/session"
)

// Notifier emails a transcript digest when background agents finish
// while no primary stream is active. Send-only: there is no inbound
// email channel.
type Notifier struct {
	cfg config.DigestConfig
	log *runlog.Logger
}

func NewNotifier(cfg config.DigestConfig, log *runlog.Logger) *Notifier {
	if !cfg.Enabled {
		return nil
	}
	return &Notifier{cfg: cfg, log: log}
}

// BuildAgentDigest renders the finished agents as the markdown body.
func BuildAgentDigest(agents []session.Agent) string {
	var b strings.Builder
	b.WriteString("## Background agents finished\n\n")
	for _, a := range agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = a.ID
		}
		b.WriteString(fmt.Sprintf("- **%s** (%s)", name, a.Status))
		if a.HasDescriptiveTask() {
			b.WriteString(": " + strings.TrimSpace(a.Task))
		}
		if a.DurationMs > 0 {
			b.WriteString(fmt.Sprintf(" — %s", (time.Duration(a.DurationMs) * time.Millisecond).Round(time.Second)))
		}
		b.WriteString("\n")
		if r := strings.TrimSpace(a.Result); r != "" {
			b.WriteString("  - " + runlog.Preview(r, 200) + "\n")
		}
		if e := strings.TrimSpace(a.Error); e != "" {
			b.WriteString("  - error: " + runlog.Preview(e, 200) + "\n")
		}
	}
	return b.String()
}

// Send composes a multipart/alternative message (plain text plus the
// rendered HTML) and delivers it over SMTP.
func (n *Notifier) Send(ctx context.Context, subject string, markdownBody string) error {
	if n == nil {
		return nil
	}
	to := strings.TrimSpace(n.cfg.To)
	from := strings.TrimSpace(n.cfg.From)
	if to == "" || from == "" {
		return errors.New("digest from/to are required")
	}

	htmlBody, err := RenderHTML(subject, markdownBody)
	if err != nil {
		return err
	}
	payload, err := composeMessage(from, to, subject, markdownBody, htmlBody)
	if err != nil {
		return err
	}
	if err := n.deliver(ctx, from, to, payload); err != nil {
		return err
	}
	n.log.Logf(runlog.KindInfo, "digest sent to %s: %s", to, subject)
	return nil
}

func composeMessage(from, to, subject, textBody, htmlBody string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	part, err := tw.CreatePart(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(part, textBody); err != nil {
		return nil, err
	}
	part.Close()

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	part, err = tw.CreatePart(hh)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(part, htmlBody); err != nil {
		return nil, err
	}
	part.Close()

	tw.Close()
	mw.Close()
	return buf.Bytes(), nil
}

func (n *Notifier) deliver(ctx context.Context, from, to string, payload []byte) error {
	addr := fmt.Sprintf("%s:%d", strings.TrimSpace(n.cfg.Server), n.cfg.Port)
	dialer := &net.Dialer{Timeout: 15 * time.Second}

	var conn net.Conn
	var err error
	if n.cfg.UseSSL {
		tlsCfg := &tls.Config{ServerName: strings.TrimSpace(n.cfg.Server)}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, strings.TrimSpace(n.cfg.Server))
	if err != nil {
		return fmt.Errorf("smtp client failed: %w", err)
	}
	defer func() { _ = c.Quit() }()

	if pwd := strings.TrimSpace(n.cfg.AuthPwd); pwd != "" {
		auth := smtp.PlainAuth("", from, pwd, strings.TrimSpace(n.cfg.Server))
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO failed: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close failed: %w", err)
	}
	return nil
}
