package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// TransportError reports a failed delivery attempt.
type TransportError struct {
	To  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

var ErrNoRecipient = errors.New("recipient address is empty")

// SMTPSender sends email via unauthenticated SMTP (Mailpit-compatible).
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host string, port string, from string) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@cryocrm.local"
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%s", host, port),
		from: from,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return &TransportError{To: msg.To, Err: ErrNoRecipient}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{To: msg.To, Err: err}
	}
	raw, err := buildMessage(s.from, msg)
	if err != nil {
		return &TransportError{To: msg.To, Err: err}
	}
	if err := smtp.SendMail(s.addr, nil, s.from, []string{msg.To}, raw); err != nil {
		return &TransportError{To: msg.To, Err: err}
	}
	return nil
}

// buildMessage writes a multipart/alternative message, or a single text part when there is no HTML.
func buildMessage(from string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n",
		from, msg.To, mime.QEncoding.Encode("utf-8", msg.Subject))

	if msg.HTML == "" {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", msg.Text)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// LogSender discards messages after handing them to fn. Used when no SMTP host is configured.
type LogSender struct {
	fn func(Message)
}

func NewLogSender(fn func(Message)) *LogSender {
	return &LogSender{fn: fn}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return &TransportError{To: msg.To, Err: ErrNoRecipient}
	}
	if s.fn != nil {
		s.fn(msg)
	}
	return nil
}

// Recorder keeps every message and fails deliveries to addresses in Fail.
type Recorder struct {
	mu   sync.Mutex
	Fail map[string]error
	sent []Message
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.Fail[msg.To]; ok {
		return &TransportError{To: msg.To, Err: err}
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
