package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// EmailSender delivers messages over SMTP
type EmailSender struct {
	name       string
	addr       string
	host       string
	username   string
	password   string
	from       string
	startTLS   bool
	recipients []string
	now        func() time.Time
}

// NewEmailSender creates an SMTP sender
func NewEmailSender(name, host string, port int, username, password, from string, startTLS bool, recipients []string) *EmailSender {
	if port == 0 {
		port = 25
	}
	return &EmailSender{
		name:       name,
		addr:       fmt.Sprintf("%s:%d", host, port),
		host:       host,
		username:   username,
		password:   password,
		from:       from,
		startTLS:   startTLS,
		recipients: recipients,
		now:        time.Now,
	}
}

// Send delivers msg to every recipient in one transaction. The SMTP
// session runs in its own goroutine and is torn down when ctx ends.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	to := mergeRecipients(s.recipients, msg.Recipients)
	if len(to) == 0 {
		return &DeliveryError{Channel: s.name, Err: fmt.Errorf("no recipients")}
	}
	body := s.buildMessage(msg, to)

	var (
		mu     sync.Mutex
		client *smtp.Client
	)
	done := make(chan error, 1)
	go func() {
		c, err := s.dial()
		if err != nil {
			done <- err
			return
		}
		mu.Lock()
		client = c
		mu.Unlock()
		defer c.Close()
		if s.username != "" {
			if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
				done <- fmt.Errorf("smtp auth: %w", err)
				return
			}
		}
		if err := c.SendMail(s.from, to, bytes.NewReader(body)); err != nil {
			done <- fmt.Errorf("smtp send: %w", err)
			return
		}
		done <- c.Quit()
	}()

	select {
	case err := <-done:
		if err != nil {
			return s.classify(err)
		}
		return nil
	case <-ctx.Done():
		mu.Lock()
		if client != nil {
			client.Close()
		}
		mu.Unlock()
		return &DeliveryError{Channel: s.name, Transient: true, Err: ctx.Err()}
	}
}

func (s *EmailSender) dial() (*smtp.Client, error) {
	if s.startTLS {
		return smtp.DialStartTLS(s.addr, &tls.Config{ServerName: s.host})
	}
	return smtp.Dial(s.addr)
}

// classify treats 4xx SMTP replies and connection failures as transient
func (s *EmailSender) classify(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Channel:    s.name,
			StatusCode: smtpErr.Code,
			Transient:  smtpErr.Code >= 400 && smtpErr.Code < 500,
			Err:        err,
		}
	}
	return &DeliveryError{Channel: s.name, Transient: true, Err: err}
}

// buildMessage renders an RFC 5322 message
func (s *EmailSender) buildMessage(msg Message, to []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	if msg.AlertID != "" {
		fmt.Fprintf(&b, "X-Alertd-Alert: %s\r\n", msg.AlertID)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
