package email

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/fonkengChris/pianolessons-mailer/internal/metrics"
)

// Transport is the opaque delivery boundary. One call per email; retry
// logic belongs to the dispatch queue, not the transport.
type Transport interface {
	Send(ctx context.Context, to, subject, html, text string) (string, error)
}

// SMTPSender delivers mail over SMTP via gomail, pacing sends with a
// process-wide rate limiter.
type SMTPSender struct {
	dialer  *gomail.Dialer
	from    string
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewSMTPSender(host string, port int, user, password, from string, perSecond int, log *zap.Logger) *SMTPSender {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &SMTPSender{
		dialer:  gomail.NewDialer(host, port, user, password),
		from:    from,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		log:     log,
	}
}

// Send delivers one email and returns its message id. A missing text
// part is derived from the HTML.
func (s *SMTPSender) Send(ctx context.Context, to, subject, html, text string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	if text == "" {
		text = HTMLToText(html)
	}
	messageID := fmt.Sprintf("<%s@pianolessons.com>", uuid.New().String())

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)

	if err := s.dialer.DialAndSend(m); err != nil {
		metrics.EmailFailures.Inc()
		return "", fmt.Errorf("smtp send to %s: %w", to, err)
	}

	metrics.EmailsSent.Inc()
	s.log.Info("email sent",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}
