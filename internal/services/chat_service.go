package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/audio"
	"chatrelay/internal/cache"
	"chatrelay/internal/llm"
	"chatrelay/internal/models"

	"golang.org/x/sync/errgroup"
)

const (
	contextPreamble = "Use the following context about the user and the application when it is relevant to the conversation.\n\n"
	contextAck      = "Understood. I have the context and will use it where it is relevant."
)

// TurnError is a failure the client can act on. Reason is human readable,
// Details carries the raw provider error for diagnostics.
type TurnError struct {
	Kind    string
	Reason  string
	Details string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Details != "" {
		return e.Reason + ": " + e.Details
	}
	return e.Reason
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func newTurnError(kind, reason string, err error) *TurnError {
	te := &TurnError{Kind: kind, Reason: reason, Err: err}
	if err != nil {
		te.Details = err.Error()
	}
	return te
}

// ChatConfig tunes the streaming pipeline
type ChatConfig struct {
	HistoryPromptTurns int           // most recent turns sent to the model
	RelevantHits       int           // vector hits per search kind
	ModelStreamTimeout time.Duration // bound on a whole streamed reply
	Temperature        *float32
	MaxOutputTokens    int32
}

// DefaultChatConfig returns the pipeline defaults
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		HistoryPromptTurns: 10,
		RelevantHits:       3,
		ModelStreamTimeout: 90 * time.Second,
	}
}

// ChatService runs the context-assembly and streaming pipeline for one turn
type ChatService struct {
	model        llm.Model
	history      *ChatHistoryService
	instructions *InstructionService
	userContext  *UserContextService
	formatter    *ContextFormatter
	vectorSearch *VectorSearchService
	caches       *cache.Manager
	cfg          ChatConfig

	transcriber audio.Transcriber
	synthesizer audio.Synthesizer
	metrics     *Metrics

	background sync.WaitGroup
}

// NewChatService creates the pipeline. vectorSearch may be nil.
func NewChatService(
	model llm.Model,
	history *ChatHistoryService,
	instructions *InstructionService,
	userContext *UserContextService,
	formatter *ContextFormatter,
	vectorSearch *VectorSearchService,
	caches *cache.Manager,
	cfg ChatConfig,
) *ChatService {
	if cfg.HistoryPromptTurns <= 0 {
		cfg.HistoryPromptTurns = 10
	}
	if cfg.ModelStreamTimeout <= 0 {
		cfg.ModelStreamTimeout = 90 * time.Second
	}
	return &ChatService{
		model:        model,
		history:      history,
		instructions: instructions,
		userContext:  userContext,
		formatter:    formatter,
		vectorSearch: vectorSearch,
		caches:       caches,
		cfg:          cfg,
	}
}

// SetAudio sets the speech collaborators (either may be nil)
func (s *ChatService) SetAudio(transcriber audio.Transcriber, synthesizer audio.Synthesizer) {
	s.transcriber = transcriber
	s.synthesizer = synthesizer
}

// SetMetrics sets the metrics recorder
func (s *ChatService) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// turnContext is everything gathered before the model call
type turnContext struct {
	bundle          *models.UserContextBundle
	instructions    []models.Instruction
	history         []models.ChatTurn
	historyHits     []models.VectorSearchHit
	instructionHits []models.VectorSearchHit
}

// gather fetches the bundle, instructions, history and vector hits in
// parallel. Every source degrades to empty on failure.
func (s *ChatService) gather(ctx context.Context, userID, message string, clientHistory []models.ChatTurn) *turnContext {
	tc := &turnContext{}
	var g errgroup.Group

	g.Go(func() error {
		bundle, err := s.userContext.GetUserData(ctx, userID)
		if err != nil {
			log.Printf("⚠️  [CHAT] Continuing without user context for %s: %v", userID, err)
			return nil
		}
		tc.bundle = bundle
		return nil
	})

	g.Go(func() error {
		insts, err := s.instructions.Get(ctx)
		if err != nil {
			log.Printf("⚠️  [CHAT] Continuing without global instructions: %v", err)
			return nil
		}
		tc.instructions = insts
		return nil
	})

	if len(clientHistory) > 0 {
		tc.history = clientHistory
	} else {
		g.Go(func() error {
			turns, err := s.history.Recent(ctx, userID, s.cfg.HistoryPromptTurns)
			if err != nil {
				log.Printf("⚠️  [CHAT] Continuing without stored history for %s: %v", userID, err)
				return nil
			}
			tc.history = turns
			return nil
		})
	}

	if s.vectorSearch.Enabled() {
		g.Go(func() error {
			tc.historyHits = s.vectorSearch.SearchHistory(ctx, message, userID, s.cfg.RelevantHits)
			return nil
		})
		g.Go(func() error {
			tc.instructionHits = s.vectorSearch.SearchInstructions(ctx, message, s.cfg.RelevantHits)
			return nil
		})
	}

	g.Wait()
	return tc
}

// formattedContext renders (and caches) the context text for a gathered turn
func (s *ChatService) formattedContext(ctx context.Context, userID string, tc *turnContext) string {
	fingerprint := make([]string, 0, len(tc.instructions)+1)
	if tc.bundle != nil {
		fingerprint = append(fingerprint, tc.bundle.FetchedAt.Format(time.RFC3339Nano))
	} else {
		fingerprint = append(fingerprint, "no-bundle")
	}
	for _, inst := range tc.instructions {
		fingerprint = append(fingerprint, inst.ID+"@"+inst.UpdatedAt.Format(time.RFC3339Nano))
	}

	key := cache.Key(cache.KindFormattedContext, userID, cache.HashKey(fingerprint...))
	text, _ := cache.GetOrFetch(ctx, s.caches.FormattedContext(), key, 0, func(context.Context) (string, error) {
		return s.formatter.Format(tc.bundle, tc.instructions), nil
	})

	if relevant := s.formatter.FormatRelevant(tc.historyHits, tc.instructionHits); relevant != "" {
		if text != "" {
			text += "\n\n"
		}
		text += relevant
	}
	return text
}

// assembleContents builds the model input: context and its acknowledgment,
// the most recent maxTurns of history in original order, then the new message
func assembleContents(contextText string, history []models.ChatTurn, message string, maxTurns int) []llm.Content {
	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	contents := make([]llm.Content, 0, len(history)+3)
	if contextText != "" {
		contents = append(contents,
			llm.TextContent(llm.RoleUser, contextPreamble+contextText),
			llm.TextContent(llm.RoleModel, contextAck),
		)
	}
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if turn.Role == models.RoleAssistant {
			role = llm.RoleModel
		}
		contents = append(contents, llm.TextContent(role, turn.Content))
	}
	return append(contents, llm.TextContent(llm.RoleUser, message))
}

// StreamChat runs one text turn: gather context, persist the user message,
// stream the reply to sink, persist it and invalidate the user's caches.
// On failure an error event is sent instead of stream-complete.
func (s *ChatService) StreamChat(ctx context.Context, sink models.EventSink, userID, message string, clientHistory []models.ChatTurn) (string, error) {
	start := time.Now()
	s.metrics.RecordChatRequest()

	tc := s.gather(ctx, userID, message, clientHistory)
	contextText := s.formattedContext(ctx, userID, tc)
	contents := assembleContents(contextText, tc.history, message, s.cfg.HistoryPromptTurns)

	// persisted before the model call so a failed turn keeps the user's input
	userTurn := models.ChatTurn{Role: models.RoleUser, Content: message, Timestamp: time.Now().UTC()}
	if err := s.history.Append(ctx, userID, userTurn); err != nil {
		log.Printf("⚠️  [CHAT] Failed to persist user turn for %s: %v", userID, err)
	} else {
		s.vectorSearch.IndexTurn(ctx, userID, userTurn)
	}

	log.Printf("💬 [CHAT] Streaming reply for %s (%d contents, %d context chars)", userID, len(contents), len(contextText))

	reply, err := s.stream(ctx, sink, contents, start)
	if err != nil {
		var te *TurnError
		if !errors.As(err, &te) {
			te = newTurnError("model_error", "The model service failed to respond", err)
		}
		s.metrics.RecordChatError(te.Kind)
		log.Printf("❌ [CHAT] Turn failed for %s: %v", userID, te)
		sink.Send(models.NewError(te.Reason, te.Details))
		return "", te
	}

	assistantTurn := models.ChatTurn{Role: models.RoleAssistant, Content: reply, Timestamp: time.Now().UTC()}
	if err := s.history.Append(ctx, userID, assistantTurn); err != nil {
		log.Printf("⚠️  [CHAT] Failed to persist assistant turn for %s: %v", userID, err)
	} else {
		s.vectorSearch.IndexTurn(ctx, userID, assistantTurn)
	}

	// every completed turn invalidates; the turn may have changed the user's records
	s.userContext.Invalidate(ctx, userID)
	s.history.Invalidate(ctx, userID)

	sink.Send(models.NewStreamComplete(reply))
	s.metrics.RecordChatLatency(time.Since(start).Seconds())
	log.Printf("✅ [CHAT] Turn complete for %s (%d chars in %v)", userID, len(reply), time.Since(start))
	return reply, nil
}

// stream forwards model chunks to sink in order and returns the full reply
func (s *ChatService) stream(ctx context.Context, sink models.EventSink, contents []llm.Content, start time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ModelStreamTimeout)
	defer cancel()

	genCfg := llm.GenerationConfig{
		Temperature:     s.cfg.Temperature,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
	}

	var full strings.Builder
	first := true
	for chunk, err := range s.model.GenerateContentStream(ctx, contents, genCfg) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", newTurnError("timeout", "The model took too long to respond", err)
			}
			return "", newTurnError("model_error", "The model service failed to respond", err)
		}
		if chunk == "" {
			continue
		}
		if first {
			s.metrics.RecordFirstChunk(time.Since(start).Seconds())
			first = false
		}
		full.WriteString(chunk)
		// a closed client just stops receiving; the reply is still completed and stored
		sink.Send(models.NewStreamChunk(chunk))
	}

	if full.Len() == 0 {
		return "", newTurnError("empty_response", "The model returned an empty response", nil)
	}
	return full.String(), nil
}

// StreamAudio transcribes audio, emits the transcript, runs the text turn and
// then synthesizes the reply in the background
func (s *ChatService) StreamAudio(ctx context.Context, sink models.EventSink, userID string, data []byte, mimeType string) (string, error) {
	if s.transcriber == nil {
		te := newTurnError("transcription_unavailable", "Audio input is not available", nil)
		sink.Send(models.NewError(te.Reason, ""))
		return "", te
	}

	transcript, err := s.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		te := newTurnError("transcription_error", "Failed to transcribe audio", err)
		s.metrics.RecordChatError(te.Kind)
		log.Printf("❌ [AUDIO] Transcription failed for %s: %v", userID, err)
		sink.Send(models.NewError(te.Reason, te.Details))
		return "", te
	}
	if strings.TrimSpace(transcript) == "" {
		te := newTurnError("empty_transcription", "No speech was detected in the audio", nil)
		sink.Send(models.NewError(te.Reason, ""))
		return "", te
	}

	sink.Send(models.NewTranscription(transcript))

	reply, err := s.StreamChat(ctx, sink, userID, transcript, nil)
	if err != nil {
		return "", err
	}

	s.speak(ctx, sink, reply)
	return reply, nil
}

// speak synthesizes reply without blocking the caller. Failure produces a
// tts-error event so the client can fall back to local synthesis.
func (s *ChatService) speak(ctx context.Context, sink models.EventSink, reply string) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [AUDIO] Panic during synthesis: %v", r)
				sink.Send(models.NewTTSError("Speech synthesis failed", fmt.Sprint(r)))
			}
		}()

		if s.synthesizer == nil {
			sink.Send(models.NewTTSError("Speech synthesis is not available", ""))
			return
		}

		audioBytes, mimeType, err := s.synthesizer.Synthesize(ctx, reply)
		if err != nil {
			s.metrics.RecordTTSFailure()
			log.Printf("⚠️  [AUDIO] Synthesis failed: %v", err)
			sink.Send(models.NewTTSError("Speech synthesis failed", err.Error()))
			return
		}
		sink.Send(models.NewTTSAudio(audioBytes, mimeType, reply))
	}()
}

// WarmUp populates the caches a user's first turn will need
func (s *ChatService) WarmUp(ctx context.Context, userID string) {
	start := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		if _, err := s.userContext.GetUserData(ctx, userID); err != nil {
			log.Printf("⚠️  [CACHE] Warm-up: user context for %s unavailable: %v", userID, err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := s.instructions.Get(ctx); err != nil {
			log.Printf("⚠️  [CACHE] Warm-up: instructions unavailable: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := s.history.Recent(ctx, userID, s.cfg.HistoryPromptTurns); err != nil {
			log.Printf("⚠️  [CACHE] Warm-up: history for %s unavailable: %v", userID, err)
		}
		return nil
	})
	g.Wait()
	log.Printf("🔥 [CACHE] Warmed caches for %s in %v", userID, time.Since(start))
}

// FetchHistory sends the user's stored history
func (s *ChatService) FetchHistory(ctx context.Context, sink models.EventSink, userID string) error {
	turns, err := s.history.All(ctx, userID)
	if err != nil {
		sink.Send(models.NewError("Failed to load chat history", err.Error()))
		return err
	}
	sink.Send(models.NewChatHistory(turns))
	return nil
}

// ClearHistory deletes the user's stored history and its indexed turns
func (s *ChatService) ClearHistory(ctx context.Context, sink models.EventSink, userID string) error {
	if err := s.history.Clear(ctx, userID); err != nil {
		log.Printf("❌ [HISTORY] Clear failed for %s: %v", userID, err)
		sink.Send(models.NewHistoryCleared(false))
		return err
	}
	if err := s.vectorSearch.ForgetHistory(ctx, userID); err != nil {
		log.Printf("⚠️  [HISTORY] Indexed turns for %s not removed: %v", userID, err)
	}
	s.caches.VectorSearch().InvalidatePrefix(ctx, cache.Prefix(cache.KindVectorSearch, userID))
	sink.Send(models.NewHistoryCleared(true))
	return nil
}

// Wait blocks until background synthesis and indexing have finished
func (s *ChatService) Wait() {
	s.background.Wait()
	s.vectorSearch.Wait()
}
