package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ErrEmptyText is returned when there is nothing to speak
var ErrEmptyText = errors.New("nothing to synthesize")

// maxSpeechInput is the provider's input limit in characters
const maxSpeechInput = 4096

// Synthesizer turns reply text into speech
type Synthesizer interface {
	// Synthesize returns the audio bytes and their MIME type
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// OpenAISynthesizer calls an OpenAI-compatible speech endpoint once per
// request, bounded by timeout
type OpenAISynthesizer struct {
	client  *openai.Client
	model   string
	voice   string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewOpenAISynthesizer creates a TTS client
func NewOpenAISynthesizer(client *openai.Client, model, voice string, timeout time.Duration) *OpenAISynthesizer {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &OpenAISynthesizer{
		client:  client,
		model:   model,
		voice:   voice,
		timeout: timeout,
		logger:  logger,
	}
}

// Synthesize implements Synthesizer. It never retries.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if text == "" {
		return nil, "", ErrEmptyText
	}
	text = truncateRunes(text, maxSpeechInput)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"model": s.model,
			"chars": len(text),
			"error": err.Error(),
		}).Warn("Speech synthesis failed")
		return nil, "", fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read synthesized audio: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"model":    s.model,
		"voice":    s.voice,
		"chars":    len(text),
		"bytes":    len(audio),
		"duration": time.Since(start).String(),
	}).Info("Speech synthesized")

	return audio, "audio/mpeg", nil
}

// truncateRunes keeps at most n characters of s
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
