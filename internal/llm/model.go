// Package llm adapts the external model and embedding providers to the small
// interfaces the chat pipeline consumes.
package llm

import (
	"context"
	"iter"
)

// Content roles as the model service understands them
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one piece of a content message: text or inline bytes
type Part struct {
	Text     string
	MimeType string
	Data     []byte
}

// Content is one message of the conversation sent to the model
type Content struct {
	Role  string
	Parts []Part
}

// TextContent builds a single-part text message
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of c
func (c Content) Text() string {
	out := ""
	for _, p := range c.Parts {
		out += p.Text
	}
	return out
}

// GenerationConfig tunes a single model call
type GenerationConfig struct {
	Temperature       *float32
	MaxOutputTokens   int32
	SystemInstruction string
}

// Model is the generative model service
type Model interface {
	// GenerateContentStream yields incremental text chunks in order.
	// A non-nil error ends the stream.
	GenerateContentStream(ctx context.Context, contents []Content, cfg GenerationConfig) iter.Seq2[string, error]
	// GenerateContent performs a one-shot call and returns the full text
	GenerateContent(ctx context.Context, contents []Content, cfg GenerationConfig) (string, error)
}

// Embedder turns text into a fixed-dimension vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
