// Package types defines the shared data model for the voxtail transcript
// pipeline: raw speech segments as emitted by the recognizer, processed
// transcripts produced by LLM deduplication, and recording sessions.
package types

import "time"

// AudioSource identifies where a segment's audio was captured.
type AudioSource string

const (
	// SourceMicrophone is speech captured from the local microphone.
	SourceMicrophone AudioSource = "microphone"

	// SourceSystem is speech captured from system audio output
	// (e.g., the remote side of a voice conversation).
	SourceSystem AudioSource = "system"

	// SourceUnknown is used when the capture source cannot be determined.
	SourceUnknown AudioSource = "unknown"
)

// IsValid reports whether s is a recognised audio source.
func (s AudioSource) IsValid() bool {
	switch s {
	case SourceMicrophone, SourceSystem, SourceUnknown:
		return true
	}
	return false
}

// Role maps the audio source to the speaker role used in deduplication
// prompts: the microphone is the local user, system audio is the remote
// assistant, anything else is unknown.
func (s AudioSource) Role() string {
	switch s {
	case SourceMicrophone:
		return "USER"
	case SourceSystem:
		return "ASSISTANT"
	default:
		return "UNKNOWN"
	}
}

// RecognizerMode selects how the external recognizer chunks its output.
type RecognizerMode string

const (
	// ModeVAD runs the recognizer with voice-activity detection. Output is
	// delimited by explicit transcription-block markers ("marked" mode).
	ModeVAD RecognizerMode = "vad"

	// ModeFixedInterval runs the recognizer on a fixed sliding window.
	// Output is one plain text line per interval ("continuous" mode).
	ModeFixedInterval RecognizerMode = "fixed-interval"
)

// IsValid reports whether m is a recognised recognizer mode.
func (m RecognizerMode) IsValid() bool {
	return m == ModeVAD || m == ModeFixedInterval
}

// RawSegment is one unit of recognised speech text exactly as the recognizer
// emitted it, before any cleanup. Immutable once created.
//
// Sequence numbers are assigned by the session coordinator at append time and
// are strictly increasing and gapless within a session. They are the only
// authoritative ordering; recognizer wall-clock timestamps may be skewed.
type RawSegment struct {
	SessionID string      `json:"session_id"`
	Sequence  uint64      `json:"sequence_number"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	Source    AudioSource `json:"audio_source"`

	// Confidence is an estimate in (0, 1]; 0 means unknown (the recognizer
	// does not report confidence, so it is estimated from text shape).
	Confidence float64 `json:"confidence,omitempty"`
}

// ProcessedTranscript is the result of one successful deduplication run over
// a batch of raw segments. Never mutated after creation.
type ProcessedTranscript struct {
	SessionID     string `json:"session_id"`
	ProcessedText string `json:"processed_text"`

	// SourceSegmentIDs lists the sequence numbers of the raw segments that
	// went into this run, in their original order.
	SourceSegmentIDs []uint64 `json:"source_segment_ids"`

	Model       string    `json:"model"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Session is one recording session. EndTime is the zero value while the
// session is open.
type Session struct {
	ID        string         `json:"id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitzero"`
	Mode      RecognizerMode `json:"recognizer_mode"`
}

// Open reports whether the session has not been closed yet.
func (s Session) Open() bool { return s.EndTime.IsZero() }

// SessionSummary is the one-sentence summary plus keywords generated from a
// session's processed transcripts when the session is stopped.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}
