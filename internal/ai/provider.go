package ai

import "context"

type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one element of a multi-part prompt. Image parts carry inline bytes.
type Part struct {
	Kind     PartKind
	Text     string
	MIMEType string
	Data     []byte
}

// Prompt is either plain text (no Parts) or multi-part (Text followed by Parts).
type Prompt struct {
	Text  string
	Parts []Part
}

func (p Prompt) IsMultipart() bool {
	return len(p.Parts) > 0
}

// Turn is one prior message handed to the model as context.
type Turn struct {
	Role string
	Text string
}

// ChunkStream is a finite, non-restartable sequence of generated text.
// Next returns io.EOF after the last chunk. Close releases the upstream
// connection and may be called at any point.
type ChunkStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

type Provider interface {
	GenerateStream(ctx context.Context, prompt Prompt, history []Turn) (ChunkStream, error)
}
