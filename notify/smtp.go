// Package notify provides alert transports invoked once a pastie matches.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/rs/zerolog/log"

	"github.com/cvandeplas/pystemon"
)

// SMTPConfig mirrors the email.* YAML keys.
type SMTPConfig struct {
	From string
	To   string

	// Subject is used verbatim, except that a literal "{subject}" inside it
	// is replaced with the generated "Found hit for ... in pastie ..." line
	// -- the operator's string is never treated as a printf template, so a
	// plain configured subject passes through unchanged.
	Subject string

	Server    string
	Port      int
	TLS       bool
	Username  string
	Password  string
	SizeLimit int64
}

// SMTPNotifier sends a multipart email alert for every matched pastie.
//
// Grounded on pystemon/sendmail.py's PystemonSendmail.send_pastie_alert:
// recipients are the union of the global "to" and each matched pattern's
// per-match "to" list; content over SizeLimit is replaced with a
// placeholder body and attached base64-encoded as "<id>.txt".
type SMTPNotifier struct {
	cfg  SMTPConfig
	dial *gomail.Dialer
}

// NewSMTPNotifier constructs a notifier that dials cfg.Server/cfg.Port for
// every send, optionally authenticating; cfg.TLS selects an implicit TLS
// (SSL) connection.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	dialer := gomail.NewDialer(cfg.Server, cfg.Port, cfg.Username, cfg.Password)
	dialer.SSL = cfg.TLS
	return &SMTPNotifier{cfg: cfg, dial: dialer}
}

// buildSubject fills a "{subject}" placeholder in template with the
// generated alert line, leaving a plain operator-configured subject
// untouched. Grounded on pystemon/sendmail.py's
// `self.subject.format(subject=alert)`.
func buildSubject(template string, p *pystemon.Pastie) string {
	alert := fmt.Sprintf("Found hit for %s in pastie %s", p.MatchesToText(), p.PublicURL)
	return strings.ReplaceAll(template, "{subject}", alert)
}

func (n *SMTPNotifier) Send(ctx context.Context, p *pystemon.Pastie) error {
	recipients := map[string]struct{}{}
	if n.cfg.To != "" {
		for _, to := range strings.Split(n.cfg.To, ",") {
			recipients[strings.TrimSpace(to)] = struct{}{}
		}
	}
	for _, m := range p.Matches {
		for _, to := range m.To {
			if to = strings.TrimSpace(to); to != "" {
				recipients[to] = struct{}{}
			}
		}
	}
	if len(recipients) == 0 {
		log.Warn().Str("id", p.ID).Msg("no email recipients configured, skipping notification")
		return nil
	}

	toList := make([]string, 0, len(recipients))
	for r := range recipients {
		toList = append(toList, r)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", toList...)
	m.SetHeader("Subject", buildSubject(n.cfg.Subject, p))

	sizeLimit := n.cfg.SizeLimit
	if sizeLimit <= 0 {
		sizeLimit = 1024 * 1024
	}

	if int64(len(p.Content)) > sizeLimit {
		m.SetBody("text/plain", fmt.Sprintf(
			"Pastie %s on site %s matched but is too large to include inline (%d bytes); see attachment.",
			p.ID, p.Site.Name, len(p.Content)))
		attachmentName := fmt.Sprintf("%s.txt", strings.ReplaceAll(p.ID, "/", "_"))
		encoded := base64.StdEncoding.EncodeToString(p.Content)
		m.Attach(attachmentName, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write([]byte(encoded))
			return err
		}))
	} else {
		m.SetBody("text/plain", string(p.Content))
	}

	if err := n.dial.DialAndSend(m); err != nil {
		return fmt.Errorf("smtpnotifier: send: %w", err)
	}
	return nil
}
