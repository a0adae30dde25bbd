package dedupe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxtail/voxtail/pkg/provider/llm"
	llmmock "github.com/voxtail/voxtail/pkg/provider/llm/mock"
	"github.com/voxtail/voxtail/pkg/types"
)

func segment(seq uint64, source types.AudioSource, text string) types.RawSegment {
	return types.RawSegment{
		SessionID: "s1",
		Sequence:  seq,
		Text:      text,
		Timestamp: time.Date(2026, 8, 30, 10, 0, int(seq), 0, time.UTC),
		Source:    source,
	}
}

func TestEngineProcess(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		ModelName: "test-model",
		CompleteResult: &llm.CompletionResponse{
			Content: "[USER]: hello world how are you",
		},
	}
	e := New(provider, WithTemperature(0.1), WithMaxTokens(5000))

	batch := []types.RawSegment{
		segment(1, types.SourceMicrophone, "hello world"),
		segment(2, types.SourceMicrophone, "hello world how are"),
		segment(3, types.SourceSystem, "how are you"),
	}

	tr, err := e.Process(context.Background(), "s1", batch, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if tr.ProcessedText != "[USER]: hello world how are you" {
		t.Errorf("ProcessedText = %q", tr.ProcessedText)
	}
	if tr.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", tr.Model)
	}
	want := []uint64{1, 2, 3}
	if len(tr.SourceSegmentIDs) != len(want) {
		t.Fatalf("SourceSegmentIDs = %v, want %v", tr.SourceSegmentIDs, want)
	}
	for i, id := range want {
		if tr.SourceSegmentIDs[i] != id {
			t.Errorf("SourceSegmentIDs[%d] = %d, want %d", i, tr.SourceSegmentIDs[i], id)
		}
	}
	if tr.CompletedAt.Before(tr.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}

	if provider.CallCount() != 1 {
		t.Fatalf("model calls = %d, want exactly 1", provider.CallCount())
	}

	req := provider.Calls[0]
	if req.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", req.Temperature)
	}
	if req.MaxTokens != 5000 {
		t.Errorf("MaxTokens = %d, want 5000", req.MaxTokens)
	}
	body := req.Messages[0].Content
	if !strings.Contains(body, "[USER]: hello world") {
		t.Errorf("prompt missing USER role mapping:\n%s", body)
	}
	if !strings.Contains(body, "[ASSISTANT]: how are you") {
		t.Errorf("prompt missing ASSISTANT role mapping:\n%s", body)
	}
	if !strings.Contains(body, "Transcript 1 ") || !strings.Contains(body, "Transcript 3 ") {
		t.Errorf("prompt missing transcript numbering:\n%s", body)
	}
}

func TestEngineProcessIncludesPriorContext(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "[USER]: continued"},
	}
	e := New(provider)

	prior := &types.ProcessedTranscript{ProcessedText: "[USER]: earlier context"}
	if _, err := e.Process(context.Background(), "s1",
		[]types.RawSegment{segment(4, types.SourceMicrophone, "continued")}, prior); err != nil {
		t.Fatalf("Process: %v", err)
	}

	body := provider.Calls[0].Messages[0].Content
	if !strings.Contains(body, "[USER]: earlier context") {
		t.Errorf("prompt missing prior context:\n%s", body)
	}
}

func TestEngineProcessFailures(t *testing.T) {
	t.Parallel()

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		e := New(&llmmock.Provider{})
		if _, err := e.Process(context.Background(), "s1", nil, nil); err == nil {
			t.Fatal("expected error for empty batch")
		}
	})

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()
		wantErr := errors.New("boom")
		e := New(&llmmock.Provider{CompleteErr: wantErr})
		_, err := e.Process(context.Background(), "s1",
			[]types.RawSegment{segment(1, types.SourceMicrophone, "hello there")}, nil)
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want wrapped boom", err)
		}
	})

	t.Run("empty response", func(t *testing.T) {
		t.Parallel()
		e := New(&llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: "   "}})
		if _, err := e.Process(context.Background(), "s1",
			[]types.RawSegment{segment(1, types.SourceMicrophone, "hello there")}, nil); err == nil {
			t.Fatal("expected error for empty model response")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		provider := &llmmock.Provider{
			CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		e := New(provider, WithTimeout(20*time.Millisecond))
		_, err := e.Process(context.Background(), "s1",
			[]types.RawSegment{segment(1, types.SourceMicrophone, "hello there")}, nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	})
}

func TestEngineSummarize(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		ModelName: "test-model",
		CompleteResult: &llm.CompletionResponse{
			Content: `{"summary": "A chat about the weather.", "keywords": ["weather", "rain", "forecast", "umbrella", "wind"]}`,
		},
	}
	e := New(provider)

	sum, err := e.Summarize(context.Background(), "s1", []types.ProcessedTranscript{
		{SessionID: "s1", ProcessedText: "[USER]: looks like rain", CompletedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Summary != "A chat about the weather." {
		t.Errorf("Summary = %q", sum.Summary)
	}
	if len(sum.Keywords) != 5 {
		t.Errorf("Keywords = %v, want exactly 5", sum.Keywords)
	}
	if provider.Calls[0].MaxTokens != summaryMaxTokens {
		t.Errorf("summary MaxTokens = %d, want %d", provider.Calls[0].MaxTokens, summaryMaxTokens)
	}
}

func TestEngineSummarizeEmptyInput(t *testing.T) {
	t.Parallel()

	e := New(&llmmock.Provider{})
	if _, err := e.Summarize(context.Background(), "s1", nil); err == nil {
		t.Fatal("expected error for empty transcript list")
	}
}

func TestParseSummaryResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		content      string
		wantSummary  string
		wantKeywords int
	}{
		{
			name:         "strict json",
			content:      `{"summary": "s", "keywords": ["a","b","c","d","e"]}`,
			wantSummary:  "s",
			wantKeywords: 5,
		},
		{
			name:         "fenced json",
			content:      "```json\n{\"summary\": \"s\", \"keywords\": [\"a\",\"b\",\"c\",\"d\",\"e\"]}\n```",
			wantSummary:  "s",
			wantKeywords: 5,
		},
		{
			name:         "wrong keyword count falls back",
			content:      `{"summary": "s", "keywords": ["a","b"]}`,
			wantSummary:  `{"summary": "s", "keywords": ["a","b"]}`,
			wantKeywords: 0,
		},
		{
			name:         "plain text falls back",
			content:      "Just a plain sentence about the session.",
			wantSummary:  "Just a plain sentence about the session.",
			wantKeywords: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			summary, keywords := parseSummaryResponse(tt.content)
			if summary != tt.wantSummary {
				t.Errorf("summary = %q, want %q", summary, tt.wantSummary)
			}
			if len(keywords) != tt.wantKeywords {
				t.Errorf("keywords = %v, want %d entries", keywords, tt.wantKeywords)
			}
		})
	}
}
