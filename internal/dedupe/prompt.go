package dedupe

import (
	"fmt"
	"strings"
	"time"

	"github.com/voxtail/voxtail/pkg/types"
)

// dedupSystemPrompt instructs the model to merge sliding-window overlap while
// staying faithful to the original speech.
const dedupSystemPrompt = `You are an expert transcript processor. You will receive multiple overlapping speech transcripts from whisper.cpp that contain duplicate and similar content due to sliding window processing.

Each transcript includes a timestamp and is labeled with a speaker role:
- [USER]: Speech from the microphone (user speaking)
- [ASSISTANT]: Speech from system audio (ChatGPT or other AI assistant)
- [UNKNOWN]: Speech from unidentified source

Your task is to:
1. Use the timestamps to understand the chronological order of speech segments
2. Intelligently merge and deduplicate the overlapping content while preserving speaker roles and temporal sequence
3. Correct ONLY obvious transcription errors (like "boar" instead of "door") when context clearly indicates the error
4. Create a clean, coherent transcript from the overlapping segments in chronological order
5. Stay truthful and faithful to the original speech content - do NOT add, embellish, or creatively interpret
6. Preserve the exact meaning, tone, and style of each speaker
7. If uncertain about a word or phrase, keep the most common version from the transcripts
8. Maintain clear speaker attribution in the final output
9. Handle cases where whisper.cpp may return transcripts with processing delays - use timestamps to determine actual speech order

IMPORTANT: Your goal is accuracy and faithfulness to the original speech, not creative storytelling. Pay attention to timestamps to maintain proper chronological flow.

Return the clean, deduplicated transcript in this format, with proper line breaks when the speaker role changes:
[SPEAKER_ROLE]: transcript text
[SPEAKER_ROLE]: transcript text

Do not include explanations, metadata, or timestamps in your output - only the speaker roles and cleaned transcript text.`

// summarySystemPrompt instructs the model to produce a one-sentence summary
// plus exactly five keywords as strict JSON.
const summarySystemPrompt = `You are an expert at analyzing conversation transcripts and creating concise summaries.

Your task is to analyze the provided transcript session and generate:
1. A single, clear sentence that summarizes what this transcript session is about
2. Exactly 5 relevant keywords/tags that best represent the content

Focus on:
- Main topics discussed
- Key concepts or subjects
- Purpose or context of the conversation
- Important themes or activities
- Technical terms or specific domains mentioned

Guidelines:
- The summary should be one complete sentence that captures the essence of the session
- Keywords should be single words or short phrases (2-3 words max)
- Keywords should be diverse and cover different aspects of the content
- Avoid generic words like "discussion", "conversation", "talk"
- Focus on specific, meaningful terms

Return your response in this exact JSON format:
{
  "summary": "One sentence summary of the session",
  "keywords": ["keyword1", "keyword2", "keyword3", "keyword4", "keyword5"]
}

Do not include any explanations or additional text outside the JSON response.`

// formatBatch renders a batch of raw segments as the user-message body of a
// deduplication request. prior, when non-nil, is prepended as context so the
// model preserves continuity across batch boundaries.
func formatBatch(batch []types.RawSegment, prior *types.ProcessedTranscript) string {
	var b strings.Builder

	if prior != nil && prior.ProcessedText != "" {
		b.WriteString("Previously processed transcript (context only, do not repeat it in your output):\n")
		b.WriteString(prior.ProcessedText)
		b.WriteString("\n\n")
	}

	b.WriteString("Please process these overlapping transcripts:\n\n")
	for i, seg := range batch {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Transcript %d (%s) [%s]: %s",
			i+1, seg.Timestamp.Format(time.RFC3339), seg.Source.Role(), seg.Text)
	}
	return b.String()
}

// formatTranscriptsForSummary renders processed transcripts as the
// user-message body of a summary request.
func formatTranscriptsForSummary(transcripts []types.ProcessedTranscript) string {
	var lines []string
	for _, tr := range transcripts {
		text := strings.TrimSpace(tr.ProcessedText)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", tr.CompletedAt.Format(time.RFC3339), text))
	}
	return "Please analyze this transcript session and generate a summary:\n\n" +
		strings.Join(lines, "\n")
}
