package mail

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/mattjoyce/formhook/internal/dkim"
	"github.com/mattjoyce/formhook/internal/submission"
)

// Subject is the fixed subject of every confirmation message.
const Subject = "Thanks for getting in touch"

const (
	HeaderSource  = "X-Submission-Source"
	HeaderCompany = "X-Submission-Company"
)

const bodyTemplate = `Hi %s,

Thanks for reaching out. We have received your message and will get back to you shortly.

Best regards,
The Team`

// Header is one extra header field, kept in insertion order.
type Header struct {
	Name  string
	Value string
}

// Message is a plain-text confirmation message.
type Message struct {
	From      string
	To        netmail.Address
	ReplyTo   string
	Subject   string
	Body      string
	Headers   []Header
	Date      time.Time
	MessageID string
}

// Compose builds the confirmation message for s. id becomes the local part
// of the Message-ID.
func Compose(from, replyTo string, s submission.Submission, now time.Time, id string) *Message {
	msg := &Message{
		From:    from,
		To:      netmail.Address{Name: s.Name, Address: s.Email},
		ReplyTo: replyTo,
		Subject: Subject,
		Body:    RenderBody(s.Name),
		Date:    now,
		Headers: []Header{{Name: HeaderSource, Value: s.SourceOrDefault()}},
	}
	if s.Company != "" {
		msg.Headers = append(msg.Headers, Header{Name: HeaderCompany, Value: s.Company})
	}
	if domain := dkim.DomainOf(from); domain != "" && id != "" {
		msg.MessageID = "<" + id + "@" + domain + ">"
	}
	return msg
}

// RenderBody fills the fixed template with name.
func RenderBody(name string) string {
	return fmt.Sprintf(bodyTemplate, name)
}

// Bytes encodes the message with CRLF line endings and a quoted-printable body.
func (m *Message) Bytes() ([]byte, error) {
	from, err := netmail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("parse sender %q: %w", m.From, err)
	}

	var buf bytes.Buffer
	writeHeader := func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", from.String())
	writeHeader("To", m.To.String())
	if m.ReplyTo != "" {
		replyTo, err := netmail.ParseAddress(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("parse reply-to %q: %w", m.ReplyTo, err)
		}
		writeHeader("Reply-To", replyTo.String())
	}
	writeHeader("Subject", encodeHeader(m.Subject))
	writeHeader("Date", m.Date.Format(time.RFC1123Z))
	if m.MessageID != "" {
		writeHeader("Message-ID", m.MessageID)
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=UTF-8")
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	for _, h := range m.Headers {
		writeHeader(h.Name, encodeHeader(h.Value))
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// encodeHeader strips line breaks and Q-encodes non-ASCII values.
func encodeHeader(v string) string {
	v = strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
	return mime.QEncoding.Encode("utf-8", v)
}
