package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxtail/voxtail/internal/dedupe"
	"github.com/voxtail/voxtail/internal/event"
	storemock "github.com/voxtail/voxtail/internal/store/mock"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/provider/llm"
	llmmock "github.com/voxtail/voxtail/pkg/provider/llm/mock"
	"github.com/voxtail/voxtail/pkg/types"
)

// capture is an event.Publisher that records everything it sees.
type capture struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *capture) Publish(ev event.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) byType(t event.Type) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *capture) types() []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Type, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// summaryAwareFunc routes summary calls (recognised by their token cap) to a
// canned summary and everything else to dedup.
func summaryAwareFunc(dedup func(llm.CompletionRequest) (*llm.CompletionResponse, error)) func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if req.MaxTokens == 1000 {
			return &llm.CompletionResponse{
				Content: `{"summary": "A short talk.", "keywords": ["one","two","three","four","five"]}`,
			}, nil
		}
		return dedup(req)
	}
}

func newTestCoordinator(t *testing.T, provider *llmmock.Provider, st *storemock.Store, events event.Publisher, tweak func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Session: types.Session{
			ID:        "s1",
			StartTime: time.Now().UTC(),
			Mode:      types.ModeVAD,
		},
		Engine: dedupe.New(provider),
		Store:  st,
		Events: events,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c := New(cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func speech(text string) stream.Segment {
	return stream.Segment{
		Text:      text,
		Source:    types.SourceMicrophone,
		Timestamp: time.Now(),
	}
}

func TestCoordinatorAssignsGaplessSequences(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "[USER]: merged"}, nil
		}),
	}
	c := newTestCoordinator(t, provider, st, event.Discard, nil)

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := c.Append(context.Background(), speech(fmt.Sprintf("w%d line %d", w, i))); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if st.RawCount("s1") != workers*perWorker {
		t.Fatalf("persisted %d raw segments, want %d", st.RawCount("s1"), workers*perWorker)
	}

	seen := map[uint64]bool{}
	for _, seg := range st.AppendedRaw {
		if seen[seg.Sequence] {
			t.Errorf("duplicate sequence %d", seg.Sequence)
		}
		seen[seg.Sequence] = true
	}
	for seq := uint64(1); seq <= workers*perWorker; seq++ {
		if !seen[seq] {
			t.Errorf("sequence %d missing, numbering has a gap", seq)
		}
	}

	if snap := c.Snapshot(); snap.LastSequence != workers*perWorker {
		t.Errorf("LastSequence = %d, want %d", snap.LastSequence, workers*perWorker)
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCoordinatorTriggerProcessesBatch(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		ModelName: "m",
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "[USER]: hello world how are you"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, nil)

	for _, text := range []string{"hello world", "hello world how", "how are you"} {
		if err := c.Append(context.Background(), speech(text)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "processing to complete", func() bool {
		return len(events.byType(event.TypeProcessingCompleted)) == 1
	})

	done := events.byType(event.TypeProcessingCompleted)[0]
	wantIDs := []uint64{1, 2, 3}
	if got := done.Transcript.SourceSegmentIDs; len(got) != len(wantIDs) {
		t.Fatalf("SourceSegmentIDs = %v, want %v", got, wantIDs)
	} else {
		for i, id := range wantIDs {
			if got[i] != id {
				t.Errorf("SourceSegmentIDs[%d] = %d, want %d", i, got[i], id)
			}
		}
	}
	if st.ProcessedCount("s1") != 1 {
		t.Errorf("persisted %d transcripts, want 1", st.ProcessedCount("s1"))
	}
	if snap := c.Snapshot(); snap.AccumulatedCount != 0 || snap.InFlight {
		t.Errorf("snapshot after run = %+v, want empty batch, no in-flight", snap)
	}

	if err := c.Trigger(context.Background(), TriggerManual); !errors.Is(err, ErrNothingPending) {
		t.Errorf("Trigger on empty batch = %v, want ErrNothingPending", err)
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCoordinatorDefersTriggerDuringRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			return &llm.CompletionResponse{Content: "[USER]: merged"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, nil)

	c.Append(context.Background(), speech("first"))
	c.Append(context.Background(), speech("second"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "first run to start", func() bool { return provider.CallCount() == 1 })

	// New segments and a second trigger while the run is in flight: the
	// trigger must be deferred, not stacked and not dropped.
	c.Append(context.Background(), speech("third"))
	c.Append(context.Background(), speech("fourth"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("deferred Trigger: %v", err)
	}
	if provider.CallCount() != 1 {
		t.Fatalf("model calls = %d during in-flight run, want 1", provider.CallCount())
	}

	close(release)
	waitFor(t, "both runs to complete", func() bool {
		return len(events.byType(event.TypeProcessingCompleted)) == 2
	})

	if provider.CallCount() != 2 {
		t.Fatalf("model calls = %d, want 2", provider.CallCount())
	}

	// Every appended segment went through exactly one run.
	var all []uint64
	for _, ev := range events.byType(event.TypeProcessingCompleted) {
		all = append(all, ev.Transcript.SourceSegmentIDs...)
	}
	if len(all) != 4 {
		t.Fatalf("processed segment ids = %v, want the 4 appended", all)
	}
	for i, id := range all {
		if id != uint64(i+1) {
			t.Errorf("processed id[%d] = %d, want %d", i, id, i+1)
		}
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCoordinatorFailedBatchMergedBack(t *testing.T) {
	t.Parallel()

	failFirst := make(chan struct{})
	var calls int
	var callsMu sync.Mutex
	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callsMu.Lock()
			calls++
			n := calls
			callsMu.Unlock()
			if n == 1 {
				<-failFirst
				return nil, errors.New("model down")
			}
			return &llm.CompletionResponse{Content: "[USER]: all three lines"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, func(cfg *Config) {
		cfg.MaxRetries = 1
		cfg.RetryBackoff = 5 * time.Millisecond
	})

	c.Append(context.Background(), speech("line one"))
	c.Append(context.Background(), speech("line two"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "first run to start", func() bool { return provider.CallCount() == 1 })

	// Appended mid-run; must end up behind the restored failed batch.
	c.Append(context.Background(), speech("line three"))
	close(failFirst)

	waitFor(t, "retry to succeed", func() bool {
		return len(events.byType(event.TypeProcessingCompleted)) == 1
	})

	if got := events.byType(event.TypeProcessingError); len(got) != 1 {
		t.Fatalf("processing_error events = %d, want 1", len(got))
	}

	// The retried batch is a superset of the failed one, in sequence order.
	done := events.byType(event.TypeProcessingCompleted)[0]
	want := []uint64{1, 2, 3}
	if got := done.Transcript.SourceSegmentIDs; len(got) != len(want) {
		t.Fatalf("retried SourceSegmentIDs = %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("retried id[%d] = %d, want %d", i, got[i], want[i])
			}
		}
	}

	prompt := provider.Calls[len(provider.Calls)-1].Messages[0].Content
	for _, text := range []string{"line one", "line two", "line three"} {
		if !strings.Contains(prompt, text) {
			t.Errorf("retry prompt missing %q", text)
		}
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCoordinatorRetryBudget(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, errors.New("model down")
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, func(cfg *Config) {
		cfg.MaxRetries = 2
		cfg.RetryBackoff = time.Millisecond
	})

	c.Append(context.Background(), speech("only line"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Initial attempt plus the two budgeted retries.
	waitFor(t, "retry budget to be spent", func() bool { return provider.CallCount() == 3 })
	time.Sleep(30 * time.Millisecond)
	if provider.CallCount() != 3 {
		t.Fatalf("model calls = %d after budget spent, want 3", provider.CallCount())
	}

	// The batch stays pending for a later trigger; nothing is lost.
	if snap := c.Snapshot(); snap.AccumulatedCount != 1 || snap.InFlight {
		t.Errorf("snapshot = %+v, want batch of 1 pending", snap)
	}
	if st.RawCount("s1") != 1 {
		t.Errorf("raw segments persisted = %d, want 1", st.RawCount("s1"))
	}
}

func TestCoordinatorStopFlushesAndSummarizes(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "[USER]: flushed text"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, nil)

	c.Append(context.Background(), speech("tail one"))
	c.Append(context.Background(), speech("tail two"))

	summary, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if summary == nil || summary.Summary != "A short talk." {
		t.Fatalf("summary = %+v, want the canned summary", summary)
	}
	if len(summary.Keywords) != 5 {
		t.Errorf("keywords = %v, want 5", summary.Keywords)
	}

	// The pending tail was flushed synchronously before closing.
	if st.ProcessedCount("s1") != 1 {
		t.Errorf("persisted transcripts = %d, want 1 from the final flush", st.ProcessedCount("s1"))
	}
	sess, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Open() {
		t.Error("session still open after Stop")
	}
	if sum, ok := st.Summary("s1"); !ok || sum.Summary != "A short talk." {
		t.Errorf("persisted summary = %+v, ok=%v", sum, ok)
	}

	var sawSummary, sawClosed bool
	for _, typ := range events.types() {
		if typ == event.TypeSummaryReady {
			sawSummary = true
		}
		if typ == event.TypeSessionClosed {
			if !sawSummary {
				t.Error("session_closed published before summary_ready")
			}
			sawClosed = true
		}
	}
	if !sawSummary || !sawClosed {
		t.Errorf("missing lifecycle events, saw %v", events.types())
	}

	if err := c.Append(context.Background(), speech("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Stop = %v, want ErrClosed", err)
	}
	if err := c.Trigger(context.Background(), TriggerManual); !errors.Is(err, ErrClosed) {
		t.Errorf("Trigger after Stop = %v, want ErrClosed", err)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Stop = %v, want ErrClosed", err)
	}
}

func TestCoordinatorStopAwaitsInFlightRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			return &llm.CompletionResponse{Content: "[USER]: slow result"}, nil
		}),
	}
	c := newTestCoordinator(t, provider, st, event.Discard, nil)

	c.Append(context.Background(), speech("slow line"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "run to start", func() bool { return provider.CallCount() == 1 })

	stopped := make(chan error, 1)
	go func() {
		_, err := c.Stop(context.Background())
		stopped <- err
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st.ProcessedCount("s1") != 1 {
		t.Errorf("persisted transcripts = %d, want the in-flight run's result", st.ProcessedCount("s1"))
	}
}

func TestCoordinatorAutoTimer(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "[USER]: timed"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, func(cfg *Config) {
		cfg.AutoInterval = 20 * time.Millisecond
	})

	c.Append(context.Background(), speech("timer line"))
	waitFor(t, "timer-triggered run", func() bool {
		return len(events.byType(event.TypeProcessingCompleted)) >= 1
	})

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCoordinatorPersistFailureQueuesRewrite(t *testing.T) {
	t.Parallel()

	st := storemock.NewStore()
	provider := &llmmock.Provider{
		CompleteFunc: summaryAwareFunc(func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "[USER]: kept output"}, nil
		}),
	}
	events := &capture{}
	c := newTestCoordinator(t, provider, st, events, nil)

	st.InsertErr = errors.New("db down")
	c.Append(context.Background(), speech("first batch"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "first run to complete", func() bool {
		return len(events.byType(event.TypeProcessingCompleted)) == 1
	})

	// The model output is delivered to subscribers even though the write
	// failed, and the write failure is announced.
	if len(events.byType(event.TypePersistenceError)) == 0 {
		t.Error("no persistence_error event for the failed write")
	}
	if st.ProcessedCount("s1") != 0 {
		t.Fatalf("persisted transcripts = %d, want 0 while the store is down", st.ProcessedCount("s1"))
	}

	// Once the store recovers, the queued transcript is rewritten alongside
	// the next run's result. It is never regenerated by the model.
	st.InsertErr = nil
	callsBefore := provider.CallCount()
	c.Append(context.Background(), speech("second batch"))
	if err := c.Trigger(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "queued rewrite", func() bool { return st.ProcessedCount("s1") == 2 })

	if provider.CallCount() != callsBefore+1 {
		t.Errorf("model calls = %d, want %d (no regeneration)", provider.CallCount(), callsBefore+1)
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
