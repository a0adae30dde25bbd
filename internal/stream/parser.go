// Package stream owns the external recognizer subprocess: it supervises the
// whisper-stream process and turns its line-oriented output into discrete raw
// speech segments.
//
// The recognizer has two output conventions. In marked mode (VAD-triggered)
// each utterance is delimited by explicit "### Transcription N START/END"
// marker lines with timestamped text lines in between. In continuous mode
// (fixed-interval) every non-diagnostic output line is itself one segment,
// because the recognizer already chunks at the configured window/step.
//
// The parser assigns no sequence numbers; segments are emitted in arrival
// order and numbering belongs to the session coordinator.
package stream

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/voxtail/voxtail/pkg/types"
)

// Segment is one unnumbered parse result. The coordinator assigns the
// session-global sequence number at append time.
type Segment struct {
	Text       string
	Source     types.AudioSource
	Timestamp  time.Time
	Confidence float64
}

const (
	blockMarker = "### Transcription"
	startMarker = "START"
	endMarker   = "END"
)

// Parser is the per-subprocess line classification state machine. It is not
// safe for concurrent use; exactly one reader goroutine owns it.
type Parser struct {
	mode   types.RecognizerMode
	source types.AudioSource

	// overlapThreshold is the Jaro-Winkler similarity above which a
	// continuous-mode line is treated as a sliding-window re-emit of the
	// previous segment. 0 disables the merge policy.
	overlapThreshold float64

	// marked-mode block state
	inBlock bool
	block   []string

	// last emitted continuous-mode text, for overlap suppression
	lastText string

	now func() time.Time
}

// ParserOption configures a [Parser].
type ParserOption func(*Parser)

// WithOverlapMergeThreshold sets the similarity threshold for suppressing
// continuous-mode sliding-window re-emits. Values outside (0, 1] disable it.
func WithOverlapMergeThreshold(t float64) ParserOption {
	return func(p *Parser) {
		if t > 0 && t <= 1 {
			p.overlapThreshold = t
		}
	}
}

// withClock overrides the timestamp source in tests.
func withClock(now func() time.Time) ParserOption {
	return func(p *Parser) { p.now = now }
}

// NewParser creates a parser for one recognizer subprocess. mode selects the
// classification algorithm; source is stamped onto every emitted segment.
func NewParser(mode types.RecognizerMode, source types.AudioSource, opts ...ParserOption) *Parser {
	p := &Parser{
		mode:   mode,
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseLine classifies one output line. It returns the emitted segment and
// true when the line (or, in marked mode, the block it completes) produced
// speech text; discarded lines return false.
func (p *Parser) ParseLine(line string) (Segment, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Segment{}, false
	}

	// Block markers take priority over everything, including the diagnostic
	// filter ("### Transcription" would otherwise never match it anyway).
	if strings.Contains(line, blockMarker) {
		switch {
		case strings.Contains(line, startMarker):
			p.inBlock = true
			p.block = p.block[:0]
			return Segment{}, false
		case strings.Contains(line, endMarker):
			seg, ok := p.finishBlock()
			return seg, ok
		}
	}

	if p.inBlock {
		p.block = append(p.block, line)
		return Segment{}, false
	}

	if p.mode != types.ModeFixedInterval {
		// Marked mode: anything outside a marker pair is noise.
		return Segment{}, false
	}

	if isDiagnostic(line) {
		return Segment{}, false
	}

	text := clean(line)
	if !isSpeech(text) {
		return Segment{}, false
	}

	if p.suppressOverlap(text) {
		return Segment{}, false
	}
	p.lastText = text

	return p.emit(text), true
}

// Close discards any partially buffered marker block. A start marker without
// a matching end before the stream closes must never emit truncated text.
func (p *Parser) Close() {
	p.Reset()
}

// Reset clears all parse state. Called between supervised subprocess restarts
// so a restarted recognizer starts from a clean slate.
func (p *Parser) Reset() {
	p.inBlock = false
	p.block = nil
	p.lastText = ""
}

// finishBlock extracts the transcript text from a completed marker block.
func (p *Parser) finishBlock() (Segment, bool) {
	defer func() {
		p.inBlock = false
		p.block = nil
	}()

	if !p.inBlock || len(p.block) == 0 {
		return Segment{}, false
	}

	var parts []string
	for _, line := range p.block {
		// Only timestamped lines carry transcript text; the block can also
		// contain stray engine output.
		if loc := timestampRe.FindStringIndex(line); loc != nil && loc[0] == 0 {
			if text := strings.TrimSpace(line[loc[1]:]); text != "" {
				parts = append(parts, text)
			}
		}
	}

	text := clean(strings.Join(parts, " "))
	if text == "" {
		return Segment{}, false
	}
	return p.emit(text), true
}

// suppressOverlap reports whether text is a sliding-window re-emit of the
// previously emitted segment. Re-emits that extend the previous text are let
// through (deduplication later collapses the remaining overlap).
func (p *Parser) suppressOverlap(text string) bool {
	if p.overlapThreshold <= 0 || p.lastText == "" {
		return false
	}
	if len(text) > len(p.lastText) {
		return false
	}
	return matchr.JaroWinkler(p.lastText, text, false) >= p.overlapThreshold
}

func (p *Parser) emit(text string) Segment {
	return Segment{
		Text:       text,
		Source:     p.source,
		Timestamp:  p.now(),
		Confidence: estimateConfidence(text),
	}
}
