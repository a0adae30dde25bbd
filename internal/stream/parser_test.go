package stream

import (
	"math"
	"testing"
	"time"

	"github.com/voxtail/voxtail/pkg/types"
)

func parseAll(t *testing.T, p *Parser, lines []string) []Segment {
	t.Helper()
	var out []Segment
	for _, line := range lines {
		if seg, ok := p.ParseLine(line); ok {
			out = append(out, seg)
		}
	}
	return out
}

func TestParserMarkedModeRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeVAD, types.SourceMicrophone)
	lines := []string{
		"### Transcription 0 START | t0 = 0 ms | t1 = 3000 ms",
		"[00:00:00.000 --> 00:00:03.000]   hello world",
		"### Transcription 0 END",
		"### Transcription 1 START | t0 = 3000 ms | t1 = 6000 ms",
		"[00:00:03.000 --> 00:00:06.000]   how are you",
		"### Transcription 1 END",
	}

	segs := parseAll(t, p, lines)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Text != "hello world" {
		t.Errorf("segs[0].Text = %q, want %q", segs[0].Text, "hello world")
	}
	if segs[1].Text != "how are you" {
		t.Errorf("segs[1].Text = %q, want %q", segs[1].Text, "how are you")
	}
	if segs[0].Source != types.SourceMicrophone {
		t.Errorf("segs[0].Source = %q, want microphone", segs[0].Source)
	}
}

func TestParserMarkedModeMultiLineBlock(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeVAD, types.SourceSystem)
	lines := []string{
		"### Transcription 0 START",
		"[00:00:00.000 --> 00:00:04.000]  this is the first part",
		"[00:00:04.000 --> 00:00:08.000]  and this is the second part",
		"### Transcription 0 END",
	}

	segs := parseAll(t, p, lines)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	want := "this is the first part and this is the second part"
	if segs[0].Text != want {
		t.Errorf("Text = %q, want %q", segs[0].Text, want)
	}
}

func TestParserMarkedModeDiscardsOutsideBlocks(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeVAD, types.SourceMicrophone)
	segs := parseAll(t, p, []string{
		"this line is outside any marker pair and must be dropped",
		"[00:00:00.000 --> 00:00:03.000] so must this one",
	})
	if len(segs) != 0 {
		t.Fatalf("got %d segments outside marker pairs, want 0", len(segs))
	}
}

func TestParserMarkedModePartialBlockDiscarded(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeVAD, types.SourceMicrophone)
	segs := parseAll(t, p, []string{
		"### Transcription 0 START",
		"[00:00:00.000 --> 00:00:03.000]  truncated text that must not leak",
	})
	p.Close()

	if len(segs) != 0 {
		t.Fatalf("got %d segments from partial block, want 0", len(segs))
	}

	// A fresh, complete block after the discard still works.
	segs = parseAll(t, p, []string{
		"### Transcription 1 START",
		"[00:00:05.000 --> 00:00:08.000]  clean text",
		"### Transcription 1 END",
	})
	if len(segs) != 1 || segs[0].Text != "clean text" {
		t.Fatalf("after discard: got %+v, want one segment %q", segs, "clean text")
	}
}

func TestParserMarkedModeBlankAudioBlock(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeVAD, types.SourceMicrophone)
	segs := parseAll(t, p, []string{
		"### Transcription 0 START",
		"[00:00:00.000 --> 00:00:03.000]  [BLANK_AUDIO]",
		"### Transcription 0 END",
	})
	if len(segs) != 0 {
		t.Fatalf("blank-audio block produced %d segments, want 0", len(segs))
	}
}

func TestParserContinuousMode(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeFixedInterval, types.SourceMicrophone)
	segs := parseAll(t, p, []string{
		"the first interval caught this sentence",
		"a completely different second sentence here",
		"and finally a third thing was said",
	})
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	want := []string{
		"the first interval caught this sentence",
		"a completely different second sentence here",
		"and finally a third thing was said",
	}
	for i, w := range want {
		if segs[i].Text != w {
			t.Errorf("segs[%d].Text = %q, want %q", i, segs[i].Text, w)
		}
	}
}

func TestParserFiltersDiagnostics(t *testing.T) {
	t.Parallel()

	diagnostics := []string{
		"whisper_init_from_file_with_params_no_state: loading model from 'models/ggml-base.en.bin'",
		"ggml_metal_init: allocating",
		"main: processing 48000 samples (step = 10000 ms / len = 25000 ms / keep = 200 ms)",
		"init: found 2 capture devices",
		"system info: n_threads = 6 / 8 | AVX = 1",
		"[Start speaking]",
		"[2K",
		"temperature    = 0.00",
		"beam_size      = 5",
	}

	for _, mode := range []types.RecognizerMode{types.ModeVAD, types.ModeFixedInterval} {
		p := NewParser(mode, types.SourceMicrophone)
		segs := parseAll(t, p, diagnostics)
		if len(segs) != 0 {
			t.Errorf("mode %s: diagnostics produced %d segments, want 0", mode, len(segs))
		}
	}
}

func TestParserContinuousModeStripsArtifacts(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeFixedInterval, types.SourceMicrophone)
	seg, ok := p.ParseLine("[00:00:00.000 --> 00:00:10.000]  so [BLANK_AUDIO] this   still counts")
	if !ok {
		t.Fatal("expected a segment")
	}
	if seg.Text != "so this still counts" {
		t.Errorf("Text = %q, want %q", seg.Text, "so this still counts")
	}

	if _, ok := p.ParseLine("[BLANK_AUDIO]"); ok {
		t.Error("pure [BLANK_AUDIO] line should not emit a segment")
	}
}

func TestParserOverlapSuppression(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeFixedInterval, types.SourceMicrophone,
		WithOverlapMergeThreshold(0.9))

	first := "we were just talking about the quarterly numbers"
	if _, ok := p.ParseLine(first); !ok {
		t.Fatal("first line should emit")
	}

	// Sliding-window re-emit of nearly identical text: suppressed.
	if _, ok := p.ParseLine("we were just talking about the quarterly number"); ok {
		t.Error("near-identical re-emit should be suppressed")
	}

	// A longer line that extends the previous text passes through.
	if _, ok := p.ParseLine(first + " and the hiring plan for next year"); !ok {
		t.Error("extending re-emit should pass through")
	}

	// Genuinely new text passes through.
	if _, ok := p.ParseLine("okay switching topics entirely now"); !ok {
		t.Error("unrelated text should pass through")
	}
}

func TestParserOverlapDisabledByDefault(t *testing.T) {
	t.Parallel()

	p := NewParser(types.ModeFixedInterval, types.SourceMicrophone)
	line := "the exact same sentence said twice"
	if _, ok := p.ParseLine(line); !ok {
		t.Fatal("first emit")
	}
	if _, ok := p.ParseLine(line); !ok {
		t.Error("with merging disabled, repeats must still emit")
	}
}

func TestParserTimestamps(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	p := NewParser(types.ModeFixedInterval, types.SourceMicrophone,
		withClock(func() time.Time { return fixed }))

	seg, ok := p.ParseLine("something worth keeping around")
	if !ok {
		t.Fatal("expected a segment")
	}
	if !seg.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", seg.Timestamp, fixed)
	}
	if seg.Confidence <= 0 || seg.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0, 1]", seg.Confidence)
	}
}

func TestEstimateConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want float64
	}{
		{"this is a reasonably long utterance", 0.8},
		{"short one", 0.6},
		{"hi", 0.4},
		{"um this is a reasonably long utterance", 0.6},
	}
	for _, tt := range tests {
		if got := estimateConfidence(tt.text); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("estimateConfidence(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
