package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/notify"
)

// SendSummary is the outcome of sending bill emails.
type SendSummary struct {
	Sent     int
	Skipped  []string
	Failures []error
}

// Send renders one email per bill and hands it to sender. Delivery is best
// effort: members without an address are skipped and failures are collected.
func (p *Period) Send(ctx context.Context, sender notify.Sender) (*SendSummary, error) {
	record, err := p.History.GetPeriod(p.Date)
	if err != nil {
		return nil, err
	}
	if record == nil {
		p.Logger.Warn("Sending bills of a period that is not closed")
	}

	run, err := p.ComputeBills(ctx)
	if err != nil {
		return nil, err
	}

	composer, err := notify.NewComposer(p.Settings)
	if err != nil {
		return nil, err
	}
	tmpl, err := billing.LoadTemplate(p.Settings.Gen.BillTemplate)
	if err != nil {
		return nil, err
	}

	summary := &SendSummary{}
	var messages []notify.Message
	for _, b := range run.Bills {
		var text, attachment bytes.Buffer
		if err := billing.WriteText(&text, tmpl, b); err != nil {
			return nil, err
		}
		if err := billing.WriteCSV(&attachment, b); err != nil {
			return nil, fmt.Errorf("failed to render bill %s: %w", b.MemberID, err)
		}

		msg, err := composer.Compose(b, text.String(), attachment.Bytes())
		if errors.Is(err, notify.ErrNoRecipients) {
			p.Logger.Warn("Member has no email address", "member", b.MemberID)
			summary.Skipped = append(summary.Skipped, b.MemberID)
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	summary.Failures = notify.Dispatch(ctx, sender, messages, p.Logger)
	summary.Sent = len(messages) - len(summary.Failures)
	return summary, nil
}
