// Package notify renders bill emails and hands them to a Sender.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
)

// ErrNoRecipients is returned for bills of members without an email address.
var ErrNoRecipients = errors.New("member has no email address")

// DefaultAboveThreshold is used when the balance is at or above the liquidity threshold.
const DefaultAboveThreshold = `Hello {{.Bill.MemberName}}

Your bill for the period ending {{.Bill.Period}} is attached.

{{.BillText}}
Your balance of {{money .Bill.CurrentBalance}} {{.Bill.Currency}} is sufficient, no payment is needed.
`

// DefaultBelowThreshold is used when the balance fell below the liquidity threshold.
const DefaultBelowThreshold = `Hello {{.Bill.MemberName}}

Your bill for the period ending {{.Bill.Period}} is attached.

{{.BillText}}
Your balance of {{money .Bill.CurrentBalance}} {{.Bill.Currency}} is below {{money .LiquidityThreshold}} {{.Bill.Currency}}.
Please transfer at least {{money .Bill.ExpectedPayment}} {{.Bill.Currency}} to {{.IBAN}}
and mention "{{.Bill.MemberID}}" in the message.
`

// Message is a rendered bill email.
type Message struct {
	MemberID       string
	From           string
	To             []string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// templateData is passed to the email templates.
type templateData struct {
	Bill               *billing.Bill
	BillText           string
	LiquidityThreshold decimal.Decimal
	IBAN               string
}

// Composer renders bill emails.
type Composer struct {
	settings config.Settings
	above    *template.Template
	below    *template.Template
}

var templateFuncs = template.FuncMap{"money": money.Format}

// NewComposer loads the email templates named in the send settings, falling
// back to the defaults.
func NewComposer(settings config.Settings) (*Composer, error) {
	above, err := loadTemplate("above", settings.Send.TemplateAboveThreshold, DefaultAboveThreshold)
	if err != nil {
		return nil, err
	}
	below, err := loadTemplate("below", settings.Send.TemplateBelowThreshold, DefaultBelowThreshold)
	if err != nil {
		return nil, err
	}
	return &Composer{settings: settings, above: above, below: below}, nil
}

func loadTemplate(name, path, fallback string) (*template.Template, error) {
	text := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read email template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse email template: %w", err)
	}
	return tmpl, nil
}

// Compose renders the email of one bill. billText is the plain text bill and
// attachment its CSV form.
func (c *Composer) Compose(b *billing.Bill, billText string, attachment []byte) (Message, error) {
	if len(b.Emails) == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrNoRecipients, b.MemberID)
	}

	tmpl := c.below
	if b.CurrentBalance.GreaterThanOrEqual(c.settings.General.LiquidityThreshold) {
		tmpl = c.above
	}

	var body bytes.Buffer
	err := tmpl.Execute(&body, templateData{
		Bill:               b,
		BillText:           billText,
		LiquidityThreshold: c.settings.General.LiquidityThreshold,
		IBAN:               c.settings.General.OurIBAN,
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to render email for %s: %w", b.MemberID, err)
	}

	return Message{
		MemberID:       b.MemberID,
		From:           c.settings.Send.FromAddress,
		To:             b.Emails,
		Subject:        fmt.Sprintf("%s %s", c.settings.Send.Subject, b.Period),
		Body:           body.String(),
		AttachmentName: b.MemberID + ".csv",
		Attachment:     attachment,
	}, nil
}

// Raw encodes a message as a multipart MIME document. The boundary is derived
// from the member id, so the same message always encodes to the same bytes.
func Raw(msg Message) ([]byte, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("tagtrail-" + strings.ToLower(msg.MemberID) + "-boundary"); err != nil {
		return nil, fmt.Errorf("failed to set boundary: %w", err)
	}

	var head bytes.Buffer
	if msg.From != "" {
		fmt.Fprintf(&head, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&head, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&head, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	head.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&head, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := text.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}

	if len(msg.Attachment) > 0 {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/csv; charset=utf-8"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", msg.AttachmentName)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment: %w", err)
		}
		if _, err := part.Write(wrapBase64(msg.Attachment)); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

// wrapBase64 encodes data in lines of 76 characters.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for len(encoded) > 76 {
		out.WriteString(encoded[:76])
		out.WriteString("\r\n")
		encoded = encoded[76:]
	}
	out.WriteString(encoded)
	out.WriteString("\r\n")
	return out.Bytes()
}

// FileSender writes messages as .eml files into the period outbox.
type FileSender struct {
	paths  *pathutil.PathResolver
	period string
}

// NewFileSender creates a new FileSender.
func NewFileSender(paths *pathutil.PathResolver, period string) *FileSender {
	return &FileSender{paths: paths, period: period}
}

// Send writes msg to the outbox file of its member.
func (s *FileSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := Raw(msg)
	if err != nil {
		return err
	}

	path, err := s.paths.GetOutboxPath(s.period, msg.MemberID)
	if err != nil {
		return fmt.Errorf("failed to get outbox path: %w", err)
	}
	if err := s.paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Dispatch sends all messages. Delivery is best effort: failures are logged
// and returned, and never stop the remaining messages.
func Dispatch(ctx context.Context, sender Sender, messages []Message, logger *slog.Logger) []error {
	if logger == nil {
		logger = slog.Default()
	}

	var failures []error
	for _, msg := range messages {
		if err := sender.Send(ctx, msg); err != nil {
			logger.Warn("Failed to send bill", "member", msg.MemberID, "error", err)
			failures = append(failures, fmt.Errorf("failed to send bill to %s: %w", msg.MemberID, err))
			continue
		}
		logger.Info("Sent bill", "member", msg.MemberID, "to", strings.Join(msg.To, ","))
	}
	return failures
}
