package live

import (
	"context"
	"errors"
	"fmt"

	"eewbot/internal/eew"
	"eewbot/internal/transport"
)

// Content is what one destination should currently show for an alert.
type Content struct {
	Info      string
	Intensity string // empty until derived data exists

	// Image is set only when the map must be uploaded. Otherwise ImageRef,
	// when non-empty, names an already uploaded copy to reuse.
	Image    *eew.MapArtifact
	ImageRef string
}

// Handle identifies what a destination has posted for one alert. Edit
// returns the updated handle; it stays usable when Edit fails halfway.
type Handle struct {
	Ref      transport.MessageRef
	MediaRef transport.MessageRef
	ImageRef string
	Text     string
}

// Destination is one chat that mirrors live alerts.
type Destination interface {
	Name() string
	Send(ctx context.Context, c Content) (Handle, error)
	Edit(ctx context.Context, h Handle, c Content) (Handle, error)
}

// ChatDestination posts a text message and, once a map exists, a
// companion photo to one chat.
type ChatDestination struct {
	name    string
	target  transport.ChatTarget
	mention string
	tx      transport.Adapter
}

func NewChatDestination(name string, tx transport.Adapter, target transport.ChatTarget, mention string) *ChatDestination {
	if name == "" {
		name = fmt.Sprintf("chat:%d", target.ChatID)
	}
	return &ChatDestination{name: name, target: target, mention: mention, tx: tx}
}

func (d *ChatDestination) Name() string { return d.name }

var htmlOpts = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

func (d *ChatDestination) text(c Content) string {
	s := c.Info
	if c.Intensity != "" {
		s += "\n\n" + c.Intensity
	}
	return s
}

func (d *ChatDestination) Send(ctx context.Context, c Content) (Handle, error) {
	body := d.text(c)
	if d.mention != "" {
		body = d.mention + "\n" + body
	}
	ref, err := d.tx.SendText(ctx, d.target, body, htmlOpts)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Ref: ref, Text: d.text(c)}
	if c.Image != nil || c.ImageRef != "" {
		return d.syncPhoto(ctx, h, c)
	}
	return h, nil
}

// Edit brings the posted messages in line with c. Unchanged text and an
// unchanged photo cause no calls.
func (d *ChatDestination) Edit(ctx context.Context, h Handle, c Content) (Handle, error) {
	if h.Ref.IsZero() {
		return h, errors.New("live: edit without a posted message")
	}
	var err error
	if c.Image != nil || (c.ImageRef != "" && c.ImageRef != h.ImageRef) {
		h, err = d.syncPhoto(ctx, h, c)
		if err != nil {
			return h, err
		}
	}

	body := d.text(c)
	if body == h.Text {
		return h, nil
	}
	// the mention stays on the first line after edits
	sent := body
	if d.mention != "" {
		sent = d.mention + "\n" + body
	}
	if err := d.tx.EditText(ctx, h.Ref, sent, htmlOpts); err != nil {
		return h, err
	}
	h.Text = body
	return h, nil
}

func (d *ChatDestination) syncPhoto(ctx context.Context, h Handle, c Content) (Handle, error) {
	p := transport.Photo{FileRef: c.ImageRef}
	if c.Image != nil {
		p = transport.Photo{Name: c.Image.Name, Data: c.Image.PNG}
	}
	if h.MediaRef.IsZero() {
		ref, fileRef, err := d.tx.SendPhoto(ctx, d.target, p, &transport.SendOptions{Silent: true})
		if err != nil {
			return h, fmt.Errorf("send map: %w", err)
		}
		h.MediaRef, h.ImageRef = ref, fileRef
		return h, nil
	}
	fileRef, err := d.tx.EditPhoto(ctx, h.MediaRef, p, nil)
	if err != nil {
		return h, fmt.Errorf("edit map: %w", err)
	}
	h.ImageRef = fileRef
	return h, nil
}
