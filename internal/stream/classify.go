package stream

import (
	"regexp"
	"strings"
)

// Line classification for whisper-stream output. The recognizer interleaves
// transcript text with engine banners, model-load notices, parameter dumps,
// and terminal control sequences on the same stream, so every line has to be
// classified before it can become a segment.

// diagPrefixes match whisper.cpp's own log lines at the start of a line.
var diagPrefixes = []string{
	"ggml_",
	"whisper_",
	"main:",
	"init:",
	"capture_init",
	"audio_state",
	"vad_",
	"system_info",
}

// diagSubstrings match engine and platform noise anywhere in a line.
var diagSubstrings = []string{
	"system info",
	"avaudiosession",
	"sdl",
	"metal",
	"[start speaking]",
	"[end speaking]",
	"loading model",
	"model loaded",
	"n_threads",
	"n_processors",
	"[2k", // terminal erase-line control sequences
	"[1k",
	"[0k",
}

var (
	// paramDumpRe matches whisper.cpp's startup parameter listing
	// ("temperature   = 0.00", "beam_size = 5", ...).
	paramDumpRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*\s*=\s*\S`)

	// timestampRe matches the "[00:00:00.000 --> 00:00:04.000]" markers that
	// prefix transcript lines inside a marked-mode block.
	timestampRe = regexp.MustCompile(`\[[\d:.\s\-\>]+\]`)

	// timestampOnlyRe matches a line that is nothing but a timestamp marker.
	timestampOnlyRe = regexp.MustCompile(`^\[[\d:.\s\-\>]+\]$`)

	// bracketOnlyRe matches status lines that are a single bracketed token.
	bracketOnlyRe = regexp.MustCompile(`^\[[^\]]*\]$`)

	// nonSpeechRe matches lines with only digits, punctuation, and brackets.
	nonSpeechRe = regexp.MustCompile(`^[\s\d.,!?\-\[\]]+$`)

	// controlFragRe matches dangling control-sequence fragments like "[2K".
	controlFragRe = regexp.MustCompile(`^\[[0-9A-Za-z]+$`)

	// letterRe reports whether a line carries any alphabetic content at all.
	letterRe = regexp.MustCompile(`[a-zA-Z]`)

	blankAudioRe = regexp.MustCompile(`\[BLANK_AUDIO\]`)
)

// isDiagnostic reports whether line is engine/platform noise that must be
// discarded in every mode. Long lines are never diagnostic: real speech can
// contain words like "temperature" or "model", but the recognizer's own
// messages are short.
func isDiagnostic(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) > 150 {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, p := range diagPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range diagSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	if paramDumpRe.MatchString(lower) {
		return true
	}
	return controlFragRe.MatchString(trimmed)
}

// isSpeech reports whether a cleaned continuous-mode line plausibly contains
// spoken text rather than residual markup.
func isSpeech(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return false
	}
	if timestampOnlyRe.MatchString(trimmed) || bracketOnlyRe.MatchString(trimmed) {
		return false
	}
	if nonSpeechRe.MatchString(trimmed) {
		return false
	}
	return letterRe.MatchString(trimmed)
}

// clean strips timestamp markers and known recognizer artifacts from text and
// collapses whitespace.
func clean(text string) string {
	text = timestampRe.ReplaceAllString(text, "")
	text = blankAudioRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// estimateConfidence derives a rough confidence score from text shape. The
// recognizer reports no per-segment confidence, so length and the presence of
// hesitation markers are the only signals available.
func estimateConfidence(text string) float64 {
	var score float64
	switch {
	case len(text) > 20:
		score = 0.8
	case len(text) > 5:
		score = 0.6
	default:
		score = 0.4
	}

	lower := strings.ToLower(text)
	for _, filler := range []string{"um", "uh", "hmm", "..."} {
		if strings.Contains(lower, filler) {
			score -= 0.2
			break
		}
	}

	if score < 0.1 {
		score = 0.1
	}
	return score
}
