// Package dedupe turns a batch of overlapping raw segments into one clean
// processed transcript via a single LLM call, and generates end-of-session
// summaries. The engine is stateless: retry policy belongs to the session
// coordinator, which keeps this component idempotent and side-effect-free
// beyond the one external call.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/pkg/provider/llm"
	"github.com/voxtail/voxtail/pkg/types"
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 5000
	defaultTimeout     = 30 * time.Second

	// summaryMaxTokens bounds the summary call, which produces far less text
	// than a deduplication run.
	summaryMaxTokens = 1000
)

// Engine issues deduplication and summary calls against one LLM provider.
// Safe for concurrent use.
type Engine struct {
	provider    llm.Provider
	log         *slog.Logger
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// Option configures an [Engine].
type Option func(*Engine)

// WithTemperature sets the sampling temperature for all calls.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps the deduplication completion length.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithTimeout sets the hard deadline for one model call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New creates an engine over provider.
func New(provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		log:         slog.Default(),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process deduplicates one batch with a single model call. prior, when
// non-nil, is included as context so the model preserves continuity across
// batch boundaries. Timeout, transport failure, and an empty response are all
// equivalent failures; the engine never retries.
//
// On success the returned transcript carries the batch's sequence numbers in
// their original order; it has not been persisted.
func (e *Engine) Process(ctx context.Context, sessionID string, batch []types.RawSegment, prior *types.ProcessedTranscript) (*types.ProcessedTranscript, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("dedupe: empty batch for session %s", sessionID)
	}

	ctx, span := observe.StartSpan(ctx, "dedupe.process",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("batch_size", len(batch)),
			attribute.String("model", e.provider.Model()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	startedAt := time.Now()
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: dedupSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: formatBatch(batch, prior)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return nil, fmt.Errorf("dedupe: model call: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		err := fmt.Errorf("dedupe: model returned empty transcript")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty response")
		return nil, err
	}
	completedAt := time.Now()

	ids := make([]uint64, len(batch))
	for i, seg := range batch {
		ids[i] = seg.Sequence
	}

	e.log.Debug("batch deduplicated",
		"session_id", sessionID,
		"batch_size", len(batch),
		"elapsed", completedAt.Sub(startedAt),
	)

	return &types.ProcessedTranscript{
		SessionID:        sessionID,
		ProcessedText:    text,
		SourceSegmentIDs: ids,
		Model:            e.provider.Model(),
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
	}, nil
}

// Summarize generates the end-of-session summary and keywords from the
// session's processed transcripts with one model call.
func (e *Engine) Summarize(ctx context.Context, sessionID string, transcripts []types.ProcessedTranscript) (*types.SessionSummary, error) {
	if len(transcripts) == 0 {
		return nil, fmt.Errorf("dedupe: no processed transcripts to summarize for session %s", sessionID)
	}

	ctx, span := observe.StartSpan(ctx, "dedupe.summarize",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("transcript_count", len(transcripts)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: formatTranscriptsForSummary(transcripts)},
		},
		Temperature: e.temperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return nil, fmt.Errorf("dedupe: summary call: %w", err)
	}

	summary, keywords := parseSummaryResponse(resp.Content)
	if summary == "" {
		err := fmt.Errorf("dedupe: model returned empty summary")
		span.RecordError(err)
		return nil, err
	}

	return &types.SessionSummary{
		SessionID: sessionID,
		Summary:   summary,
		Keywords:  keywords,
		Model:     e.provider.Model(),
		CreatedAt: time.Now(),
	}, nil
}
