package queue

import (
	"context"
	"strings"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/phone"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/templates"
	"wa-notifier/internal/wa"
)

// preparedSend is everything needed to call the provider for one item.
type preparedSend struct {
	tenantID   string
	to         string
	payload    wa.Payload
	content    string
	metadataID *string
	booking    *repo.Booking
}

// prepare turns a claimed item into a provider payload. Items linked to a
// chat message are free-form sends; items linked only to a booking are
// template sends.
func (d *Dispatcher) prepare(ctx context.Context, item repo.QueueItem) (*preparedSend, error) {
	switch {
	case item.ChatMessageID != nil:
		return d.prepareText(ctx, item)
	case item.BookingID != nil:
		return d.prepareTemplate(ctx, item)
	default:
		return nil, apperr.Validation("queue item has no send target")
	}
}

func (d *Dispatcher) prepareText(ctx context.Context, item repo.QueueItem) (*preparedSend, error) {
	r := d.deps.Repository
	msg, err := r.GetChatMessage(ctx, *item.ChatMessageID)
	if err != nil {
		return nil, err
	}
	conv, err := r.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	metadataID := item.MessageMetadataID
	if metadataID == nil {
		meta, err := r.GetMetadataByChatMessage(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			metadataID = &meta.ID
		}
	}
	send := &preparedSend{
		tenantID:   conv.TenantID,
		to:         phone.Normalize(conv.GuestPhone),
		content:    msg.Content,
		metadataID: metadataID,
	}

	// The window may have closed while the item waited.
	if err := d.deps.Window.RequireFreeform(conv); err != nil {
		return send, err
	}
	if err := d.deps.OptOuts.Check(ctx, conv.GuestPhone); err != nil {
		return send, err
	}
	payload := wa.TextPayload{Body: msg.Content}
	if err := wa.Validate(payload); err != nil {
		return send, err
	}
	send.payload = payload
	return send, nil
}

func (d *Dispatcher) prepareTemplate(ctx context.Context, item repo.QueueItem) (*preparedSend, error) {
	booking, err := d.deps.Repository.GetBooking(ctx, *item.BookingID)
	if err != nil {
		return nil, err
	}
	to := phone.Normalize(booking.GuestPhone)
	if !phone.Valid(to) {
		return nil, apperr.Validation("booking has no valid guest phone")
	}
	send := &preparedSend{
		tenantID:   booking.TenantID,
		to:         to,
		metadataID: item.MessageMetadataID,
		booking:    booking,
	}

	if err := d.deps.OptOuts.Check(ctx, to); err != nil {
		return send, err
	}
	tpl, err := d.deps.Templates.MustResolve(ctx, booking.PropertyID, item.TriggerType, booking.LanguageCode)
	if err != nil {
		return send, err
	}
	rendered := templates.RenderTemplate(*tpl, BookingData(booking))
	payload := wa.TemplatePayload{
		Name:       rendered.Name,
		Language:   rendered.Language,
		BodyParams: rendered.Params,
	}
	if err := wa.Validate(payload); err != nil {
		return send, err
	}
	send.payload = payload
	send.content = rendered.Body
	return send, nil
}

// BookingData is the placeholder data a booking offers to templates.
// Explicit booking data wins over the derived keys.
func BookingData(b *repo.Booking) map[string]string {
	data := map[string]string{
		"booking_id": b.ID,
		"guest_name": b.GuestName,
	}
	if first := strings.Fields(b.GuestName); len(first) > 0 {
		data["guest_first_name"] = first[0]
	}
	if b.CheckIn != nil {
		data["check_in"] = b.CheckIn.Format("2006-01-02")
	}
	if b.CheckOut != nil {
		data["check_out"] = b.CheckOut.Format("2006-01-02")
	}
	for k, v := range b.Data {
		data[k] = v
	}
	return data
}
