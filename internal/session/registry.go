package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtail/voxtail/internal/config"
	"github.com/voxtail/voxtail/internal/dedupe"
	"github.com/voxtail/voxtail/internal/event"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/store"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/types"
)

var (
	// ErrSessionActive is returned when a session is already recording.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoSession is returned when no session is recording.
	ErrNoSession = errors.New("session: no active session")
)

// RegistryConfig assembles a [Registry].
type RegistryConfig struct {
	Store   store.TranscriptStore
	Engine  *dedupe.Engine
	Events  event.Publisher
	Metrics *observe.Metrics
	Logger  *slog.Logger

	Recognizer config.RecognizerConfig
	Processing config.ProcessingConfig
}

// Registry enforces the single-active-session rule. It builds one recognizer
// runner per configured audio source, pumps their segments into the session's
// coordinator, and watches for fatal subprocess failures.
type Registry struct {
	store   store.TranscriptStore
	engine  *dedupe.Engine
	events  event.Publisher
	metrics *observe.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	recognizer config.RecognizerConfig
	processing config.ProcessingConfig
	coord      *Coordinator
	runners    []*stream.Runner
	stopCh     chan struct{}
	wg         *sync.WaitGroup
	stopping   bool
	degraded   bool
	fatalErr   string
}

// NewRegistry creates a registry. Sessions are started on demand via
// [Registry.StartSession].
func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = event.Discard
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		store:      cfg.Store,
		engine:     cfg.Engine,
		events:     events,
		metrics:    metrics,
		log:        log,
		recognizer: cfg.Recognizer,
		processing: cfg.Processing,
	}
}

// SetConfig replaces the recognizer and processing settings used for
// subsequently started sessions. The active session, if any, keeps the
// settings it started with.
func (r *Registry) SetConfig(rec config.RecognizerConfig, proc config.ProcessingConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer = rec
	r.processing = proc
}

// StartSession opens a new recording session and launches one recognizer
// subprocess per configured audio source. Only one session may be active.
func (r *Registry) StartSession(ctx context.Context) (types.Session, error) {
	r.mu.Lock()
	if r.coord != nil || r.stopping {
		r.mu.Unlock()
		return types.Session{}, ErrSessionActive
	}
	rec := r.recognizer
	proc := r.processing
	r.mu.Unlock()

	sess := types.Session{
		ID:        newSessionID(),
		StartTime: time.Now().UTC(),
		Mode:      rec.Mode,
	}

	autoInterval := time.Duration(0)
	if proc.AutoEnabled {
		autoInterval = proc.Interval.Std()
	}
	coord := New(Config{
		Session:      sess,
		Engine:       r.engine,
		Store:        r.store,
		Events:       r.events,
		Metrics:      r.metrics,
		Logger:       r.log,
		AutoInterval: autoInterval,
		MaxRetries:   proc.MaxRetries,
		RetryBackoff: proc.RetryBackoff.Std(),
	})
	if err := coord.Start(ctx); err != nil {
		return types.Session{}, fmt.Errorf("session: open session: %w", err)
	}

	sources := rec.Sources
	if len(sources) == 0 {
		sources = []config.SourceConfig{{Source: types.SourceMicrophone}}
	}

	stopCh := make(chan struct{})
	wg := &sync.WaitGroup{}
	var runners []*stream.Runner
	for _, src := range sources {
		run := stream.NewRunner(stream.RunnerConfig{
			Binary:                rec.Binary,
			ModelPath:             rec.ModelPath,
			Threads:               rec.Threads,
			Mode:                  rec.Mode,
			StepMS:                rec.StepMS,
			WindowMS:              rec.WindowMS,
			VADThreshold:          rec.VADThreshold,
			KeepMS:                rec.KeepMS,
			DeviceID:              src.DeviceID,
			Source:                src.Source,
			OverlapMergeThreshold: rec.OverlapMergeThreshold,
			Logger:                r.log,
		})
		if err := run.Start(); err != nil {
			for _, started := range runners {
				started.Stop()
			}
			close(stopCh)
			wg.Wait()
			if _, stopErr := coord.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				r.log.Error("closing aborted session failed", "err", stopErr)
			}
			return types.Session{}, fmt.Errorf("session: recognizer for %s: %w", src.Source, err)
		}
		runners = append(runners, run)

		wg.Add(2)
		go r.pump(ctx, coord, run, wg)
		go r.watchFatal(run, src.Source, sess.ID, stopCh, wg)
	}

	r.mu.Lock()
	r.coord = coord
	r.runners = runners
	r.stopCh = stopCh
	r.wg = wg
	r.degraded = false
	r.fatalErr = ""
	r.mu.Unlock()

	return sess, nil
}

// pump feeds one runner's segments into the coordinator until the runner's
// channel closes or the coordinator stops accepting.
func (r *Registry) pump(ctx context.Context, coord *Coordinator, run *stream.Runner, wg *sync.WaitGroup) {
	defer wg.Done()
	for seg := range run.Segments() {
		if err := coord.Append(ctx, seg); err != nil {
			if !errors.Is(err, ErrClosed) {
				r.log.Error("segment append failed", "err", err)
			}
			return
		}
	}
}

// watchFatal degrades the session when a recognizer subprocess dies beyond
// its restart budget. Accumulated segments stay processable and the session
// can still be stopped cleanly.
func (r *Registry) watchFatal(run *stream.Runner, src types.AudioSource, sessionID string, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	select {
	case err := <-run.Fatal():
		r.mu.Lock()
		r.degraded = true
		r.fatalErr = err.Error()
		r.mu.Unlock()

		r.log.Error("recognizer stream fatal, session degraded",
			"source", src, "err", err)
		r.events.Publish(event.Event{
			Type:      event.TypeStreamFatal,
			SessionID: sessionID,
			Timestamp: time.Now(),
			Err:       err.Error(),
		})
	case <-stopCh:
	}
}

// StopSession stops the recognizers, drains their remaining output into the
// coordinator, and runs the session's stop sequence including the final
// processing flush and summary.
func (r *Registry) StopSession(ctx context.Context) (*types.SessionSummary, error) {
	r.mu.Lock()
	if r.coord == nil || r.stopping {
		r.mu.Unlock()
		return nil, ErrNoSession
	}
	r.stopping = true
	coord := r.coord
	runners := r.runners
	stopCh := r.stopCh
	wg := r.wg
	r.mu.Unlock()

	// Runner.Stop waits for its read loop, so pending parser output is on the
	// segment channel before the pumps finish draining it.
	for _, run := range runners {
		run.Stop()
	}
	close(stopCh)
	wg.Wait()

	summary, err := coord.Stop(ctx)

	r.mu.Lock()
	r.coord = nil
	r.runners = nil
	r.stopCh = nil
	r.wg = nil
	r.stopping = false
	r.degraded = false
	r.fatalErr = ""
	r.mu.Unlock()

	return summary, err
}

// ProcessNow triggers an immediate deduplication run on the active session.
func (r *Registry) ProcessNow(ctx context.Context) error {
	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()
	if coord == nil {
		return ErrNoSession
	}
	return coord.Trigger(ctx, TriggerManual)
}

// Status is the live view served by the status endpoint.
type Status struct {
	Recording bool            `json:"recording"`
	Degraded  bool            `json:"degraded,omitempty"`
	StreamErr string          `json:"stream_error,omitempty"`
	Session   *types.Session  `json:"session,omitempty"`
	State     *event.Snapshot `json:"state,omitempty"`
}

// Status reports the current recording state.
func (r *Registry) Status() Status {
	r.mu.Lock()
	coord := r.coord
	st := Status{Degraded: r.degraded, StreamErr: r.fatalErr}
	r.mu.Unlock()

	if coord == nil {
		return st
	}
	sess := coord.Session()
	snap := coord.Snapshot()
	st.Recording = snap.Recording
	st.Session = &sess
	st.State = &snap
	return st
}

// Snapshot returns the broadcaster's late-joiner snapshot. With no active
// session it reports an idle state.
func (r *Registry) Snapshot() event.Snapshot {
	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()
	if coord == nil {
		return event.Snapshot{}
	}
	return coord.Snapshot()
}

// newSessionID builds a sortable unique session id.
func newSessionID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(buf)
}
