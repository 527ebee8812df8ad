package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// IsZero reports whether the ref points at no message.
func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Photo is an image payload. Exactly one of Data or FileRef is used:
// Data uploads new bytes, FileRef reuses an image the platform already holds.
type Photo struct {
	Name    string
	Data    []byte
	FileRef string
	Caption string
}

// Adapter is the outbound surface of a chat platform.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error

	// SendPhoto and EditPhoto return the platform's reference to the stored
	// image so later messages can reuse it without uploading again.
	SendPhoto(ctx context.Context, to ChatTarget, p Photo, opt *SendOptions) (MessageRef, string, error)
	EditPhoto(ctx context.Context, ref MessageRef, p Photo, opt *SendOptions) (string, error)
}
