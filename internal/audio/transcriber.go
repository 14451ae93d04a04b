package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/llm"

	"github.com/sirupsen/logrus"
)

// Transcriber turns inbound audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

const transcribePrompt = "Transcribe this audio exactly as spoken. Return only the transcript text with no commentary."

// ModelTranscriber asks a multimodal model for a transcript in one call
type ModelTranscriber struct {
	model   llm.Model
	timeout time.Duration
}

// NewModelTranscriber creates a transcriber backed by model
func NewModelTranscriber(model llm.Model, timeout time.Duration) *ModelTranscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ModelTranscriber{model: model, timeout: timeout}
}

// Transcribe implements Transcriber
func (t *ModelTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	contents := []llm.Content{{
		Role: llm.RoleUser,
		Parts: []llm.Part{
			{MimeType: mimeType, Data: audio},
			{Text: transcribePrompt},
		},
	}}
	text, err := t.model.GenerateContent(ctx, contents, llm.GenerationConfig{})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// WhisperTranscriber posts audio to a Whisper-compatible transcription API
type WhisperTranscriber struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewWhisperTranscriber creates a Whisper client. apiURL defaults to OpenAI.
func NewWhisperTranscriber(apiURL, apiKey, model string, timeout time.Duration) *WhisperTranscriber {
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1/audio/transcriptions"
	}
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second // Whisper can take a while for long audio
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &WhisperTranscriber{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Transcribe implements Transcriber
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	w.logger.WithFields(logrus.Fields{
		"bytes":     len(audio),
		"mime_type": mimeType,
		"model":     w.model,
	}).Info("Sending audio to Whisper API")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio."+extensionFor(mimeType))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to copy audio data: %w", err)
	}
	if err := writer.WriteField("model", w.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return "", fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", w.apiKey))

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		w.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(respBody),
		}).Error("Whisper API error")

		var errorResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error.Message != "" {
			return "", fmt.Errorf("whisper API error: %s", errorResp.Error.Message)
		}
		return "", fmt.Errorf("whisper API error: %d", resp.StatusCode)
	}

	var apiResp struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"chars":    len(apiResp.Text),
		"language": apiResp.Language,
		"duration": apiResp.Duration,
	}).Info("Whisper transcription successful")

	return strings.TrimSpace(apiResp.Text), nil
}

// GetSupportedFormats returns the list of supported audio formats
func GetSupportedFormats() []string {
	return []string{
		"mp3", "mp4", "mpeg", "mpga", "m4a", "wav", "webm", "ogg", "flac",
	}
}

var supportedTypes = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/mp4":   "mp4",
	"audio/x-m4a": "m4a",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/webm":  "webm",
	"audio/ogg":   "ogg",
	"audio/flac":  "flac",
}

// IsSupportedFormat checks if a MIME type is supported for transcription.
// Codec parameters ("audio/webm;codecs=opus") are ignored.
func IsSupportedFormat(mimeType string) bool {
	_, ok := supportedTypes[baseMimeType(mimeType)]
	return ok
}

func baseMimeType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func extensionFor(mimeType string) string {
	if ext, ok := supportedTypes[baseMimeType(mimeType)]; ok {
		return ext
	}
	return "webm"
}
