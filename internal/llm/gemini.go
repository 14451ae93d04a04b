package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// NewGeminiClient creates a Gemini API client
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// GeminiModel implements Model on the Gemini API
type GeminiModel struct {
	client *genai.Client
	name   string
}

// NewGeminiModel wraps client for the named model
func NewGeminiModel(client *genai.Client, name string) *GeminiModel {
	return &GeminiModel{client: client, name: name}
}

// Name returns the model name
func (m *GeminiModel) Name() string {
	return m.name
}

// GenerateContentStream implements Model
func (m *GeminiModel) GenerateContentStream(ctx context.Context, contents []Content, cfg GenerationConfig) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := m.client.Models.GenerateContentStream(ctx, m.name, convertContents(contents), buildConfig(cfg))
		for chunk, err := range stream {
			if err != nil {
				yield("", err)
				return
			}
			text := chunk.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// GenerateContent implements Model
func (m *GeminiModel) GenerateContent(ctx context.Context, contents []Content, cfg GenerationConfig) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.name, convertContents(contents), buildConfig(cfg))
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func convertContents(contents []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			if len(p.Data) > 0 {
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MimeType))
				continue
			}
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
		role := genai.RoleUser
		if c.Role == RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return out
}

func buildConfig(cfg GenerationConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return out
}

// GeminiEmbedder implements Embedder with a Gemini embedding model
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEmbedder creates an embedder producing vectors of the given size
func NewGeminiEmbedder(client *genai.Client, model string, dimensions int) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model, dimensions: dimensions}
}

// Embed implements Embedder
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{}
	if e.dimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(e.dimensions))
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini embedding returned no values")
	}
	return resp.Embeddings[0].Values, nil
}

// Dimensions implements Embedder
func (e *GeminiEmbedder) Dimensions() int {
	return e.dimensions
}
