package qrmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldday/tripledger/internal/ledger"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	mail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const qrImageSize = 320

var errMissingSender = errors.New("mail sender dependency is required")

// Message is one outbound email with the QR code attached.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// Sender delivers a message. The production implementation speaks SMTP.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig carries the SMTP settings of the production sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers messages over authenticated SMTP.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns a Sender backed by the configured SMTP relay.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send builds and delivers one message.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	message := mail.NewMsg()
	if err := message.From(s.cfg.From); err != nil {
		return err
	}
	if err := message.To(msg.To); err != nil {
		return err
	}
	message.Subject(msg.Subject)
	message.SetBodyString(mail.TypeTextPlain, msg.Body)
	if len(msg.Attachment) > 0 {
		if err := message.AttachReader(msg.AttachmentName, bytes.NewReader(msg.Attachment)); err != nil {
			return err
		}
	}

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
	)
	if err != nil {
		return err
	}

	return client.DialAndSendWithContext(ctx, message)
}

// Recipient is one student considered for a digital QR token.
type Recipient struct {
	StudentID     string
	FirstName     string
	LastName      string
	Email         string
	HasAssignment bool
}

// TripInfo is the trip context rendered into the email.
type TripInfo struct {
	Destination string
	DateSeconds int64
}

// Issued records one successfully delivered token, so the caller can create
// the matching assignment upstream. The assignment is only created after a
// successful send.
type Issued struct {
	StudentID string
	TokenUID  string
}

// Report summarizes one roster pass.
type Report struct {
	Issued       []Issued
	SentCount    int
	AlreadySent  int
	NoEmailCount int
	Errors       []string
}

// NewDigitalTokenUID generates a unique digital token UID (QRD-XXXXXXXX).
// The prefixed form is what the QR image encodes and what the upstream
// assignment stores; caching paths reduce it to the canonical unprefixed UID.
func NewDigitalTokenUID() string {
	raw := uuid.New()
	return ledger.TokenPrefixQRDigital + fmt.Sprintf("%X", raw[0:4])
}

// EncodeTokenImage renders the PNG QR image encoding the full prefixed token.
func EncodeTokenImage(tokenUID string) ([]byte, error) {
	return qrcode.Encode(tokenUID, qrcode.Medium, qrImageSize)
}

// Mailer emails digital QR tokens to a trip's students. Skips and individual
// SMTP failures are tallied per student; one bad address never aborts the
// roster pass.
type Mailer struct {
	sender Sender
	logger *zap.Logger
}

// NewMailer validates dependencies and returns a Mailer.
func NewMailer(sender Sender, logger *zap.Logger) (*Mailer, error) {
	if sender == nil {
		return nil, errMissingSender
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{sender: sender, logger: logger}, nil
}

// SendForRoster issues and emails a digital token for every student that has
// an email address and no active assignment yet.
func (m *Mailer) SendForRoster(ctx context.Context, trip TripInfo, roster []Recipient) Report {
	report := Report{}

	for _, recipient := range roster {
		if recipient.Email == "" {
			report.NoEmailCount++
			continue
		}
		if recipient.HasAssignment {
			report.AlreadySent++
			continue
		}

		tokenUID := NewDigitalTokenUID()
		image, err := EncodeTokenImage(tokenUID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", recipient.StudentID, err))
			continue
		}

		msg := Message{
			To:             recipient.Email,
			Subject:        fmt.Sprintf("Your QR code for the trip to %s", trip.Destination),
			Body:           m.renderBody(trip, recipient),
			AttachmentName: "qr-code.png",
			Attachment:     image,
		}
		if err := m.sender.Send(ctx, msg); err != nil {
			m.logger.Warn("qr email delivery failed",
				zap.String("student_id", recipient.StudentID),
				zap.Error(err))
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", recipient.StudentID, err))
			continue
		}

		report.Issued = append(report.Issued, Issued{StudentID: recipient.StudentID, TokenUID: tokenUID})
		report.SentCount++
	}

	m.logger.Info("qr email roster pass complete",
		zap.Int("sent", report.SentCount),
		zap.Int("already_sent", report.AlreadySent),
		zap.Int("no_email", report.NoEmailCount),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (m *Mailer) renderBody(trip TripInfo, recipient Recipient) string {
	date := time.Unix(trip.DateSeconds, 0).UTC().Format("2006-01-02")
	return fmt.Sprintf(
		"Hello %s %s,\n\nAttached is your personal QR code for the trip to %s on %s.\n"+
			"Show it at each checkpoint so your supervisor can record your presence.\n",
		recipient.FirstName, recipient.LastName, trip.Destination, date)
}
