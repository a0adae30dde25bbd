package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/voxtail/voxtail/pkg/types"
)

// ErrRecognizerExited is wrapped by the fatal error a Runner reports when the
// subprocess dies and its restart budget is spent.
var ErrRecognizerExited = errors.New("stream: recognizer exited")

// killGrace is how long a stopped subprocess gets to honour SIGTERM before it
// is killed.
const killGrace = 5 * time.Second

// RunnerConfig describes one recognizer subprocess invocation.
type RunnerConfig struct {
	Binary    string
	ModelPath string
	Threads   int

	Mode         types.RecognizerMode
	StepMS       int
	WindowMS     int
	VADThreshold float64
	KeepMS       int

	// DeviceID is the capture device passed via -c; nil uses the default.
	DeviceID *int

	// Source is stamped onto every segment this subprocess produces.
	Source types.AudioSource

	// OverlapMergeThreshold configures the parser's continuous-mode merge
	// policy. 0 disables it.
	OverlapMergeThreshold float64

	Logger *slog.Logger
}

// Runner supervises one recognizer subprocess: it launches the binary, reads
// the combined output stream line by line through a [Parser], and delivers
// segments on a channel. The subprocess gets exactly one automatic restart if
// it exits with an error; a second exit is fatal.
//
// Exactly one goroutine (the internal read loop) touches subprocess I/O.
type Runner struct {
	cfg    RunnerConfig
	log    *slog.Logger
	parser *Parser

	// argv is the resolved command line; tests override it to substitute a
	// scripted process for the real recognizer.
	argv []string

	segments chan Segment
	fatal    chan error

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewRunner creates a runner for cfg. Segments() yields parsed segments until
// the runner stops; Fatal() yields at most one error if the subprocess dies
// beyond recovery.
func NewRunner(cfg RunnerConfig) *Runner {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg: cfg,
		log: log.With("source", cfg.Source),
		parser: NewParser(cfg.Mode, cfg.Source,
			WithOverlapMergeThreshold(cfg.OverlapMergeThreshold)),
		argv:     buildArgv(cfg),
		segments: make(chan Segment, 32),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// buildArgv assembles the whisper-stream command line. VAD mode pins the step
// to 0, which switches the recognizer into marker-delimited output.
func buildArgv(cfg RunnerConfig) []string {
	argv := []string{cfg.Binary}
	if cfg.ModelPath != "" {
		argv = append(argv, "-m", cfg.ModelPath)
	}
	if cfg.Threads > 0 {
		argv = append(argv, "-t", strconv.Itoa(cfg.Threads))
	}
	step := cfg.StepMS
	if cfg.Mode == types.ModeVAD {
		step = 0
	}
	argv = append(argv,
		"--step", strconv.Itoa(step),
		"--length", strconv.Itoa(cfg.WindowMS),
		"-vth", strconv.FormatFloat(cfg.VADThreshold, 'f', -1, 64),
		"--keep", strconv.Itoa(cfg.KeepMS),
	)
	if cfg.DeviceID != nil {
		argv = append(argv, "-c", strconv.Itoa(*cfg.DeviceID))
	}
	return argv
}

// Start launches the subprocess and the read loop. It returns an error only
// if the first launch fails outright.
func (r *Runner) Start() error {
	lines, exited, err := r.launch()
	if err != nil {
		close(r.loopDone)
		close(r.segments)
		return err
	}
	go r.run(lines, exited)
	return nil
}

// Segments returns the channel of parsed segments. It is closed when the
// runner stops or dies.
func (r *Runner) Segments() <-chan Segment { return r.segments }

// Fatal returns a channel that yields at most one error when the subprocess
// died and could not be restarted.
func (r *Runner) Fatal() <-chan error { return r.fatal }

// Stop terminates the subprocess (SIGTERM, escalating to SIGKILL) and waits
// for the read loop to drain. Any partially buffered marker block is
// discarded. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.signal()
		<-r.loopDone
	})
}

// launch starts one subprocess instance with stdout and stderr merged into a
// single line stream, mirroring how the recognizer interleaves the two. The
// returned channel delivers the process's exit result exactly once.
func (r *Runner) launch() (io.ReadCloser, <-chan error, error) {
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, nil, fmt.Errorf("stream: start %s: %w", r.argv[0], err)
	}
	r.log.Info("recognizer started", "pid", cmd.Process.Pid, "argv", r.argv)

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		exited <- err
	}()

	return pr, exited, nil
}

// run is the single goroutine owning subprocess I/O. It reads the current
// instance to exhaustion, performs at most one supervised restart, and then
// escalates to a fatal event.
func (r *Runner) run(lines io.ReadCloser, exited <-chan error) {
	defer close(r.loopDone)
	defer close(r.segments)

	restarted := false
	for {
		r.readAll(lines)
		exitErr := <-exited

		if r.stopping() {
			return
		}

		if !restarted {
			restarted = true
			r.log.Warn("recognizer exited, restarting once", "err", exitErr)
			r.parser.Reset()

			var err error
			lines, exited, err = r.launch()
			if err != nil {
				r.fatal <- fmt.Errorf("%w: restart failed: %v", ErrRecognizerExited, err)
				return
			}
			continue
		}

		r.log.Error("recognizer exited after restart, giving up", "err", exitErr)
		if exitErr != nil {
			r.fatal <- fmt.Errorf("%w: %v", ErrRecognizerExited, exitErr)
		} else {
			r.fatal <- ErrRecognizerExited
		}
		return
	}
}

// readAll drains one subprocess instance's output through the parser.
func (r *Runner) readAll(lines io.ReadCloser) {
	defer lines.Close()

	scanner := bufio.NewScanner(lines)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		seg, ok := r.parser.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		select {
		case r.segments <- seg:
		case <-r.done:
			return
		}
	}
	// A start marker without a matching end discards its partial buffer.
	r.parser.Close()
}

func (r *Runner) stopping() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// signal asks the current subprocess to terminate, escalating to SIGKILL
// after a grace period.
func (r *Runner) signal() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(killGrace)
		cmd.Process.Kill()
	}()
}
