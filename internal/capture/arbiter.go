package capture

import (
	"errors"
	"strings"

	"github.com/halcyonlabs/murmur/pkg/thought"
)

// ErrNoSpeech is returned when neither the streaming nor the batch pipeline
// produced any text.
var ErrNoSpeech = errors.New("capture: no speech detected")

const (
	// defaultMinStreamChars is the streaming transcript length at which it
	// wins over batch without corroboration.
	defaultMinStreamChars = 10

	// Confidence substitutes for segments whose backend reports none.
	defaultFinalConfidence   = 0.8
	defaultInterimConfidence = 0.5
)

// Arbitration holds both candidate transcripts and the tuning knobs for the
// decision. Empty text means the corresponding pipeline produced nothing.
type Arbitration struct {
	StreamText       string
	StreamConfidence float64
	BatchText        string
	BatchConfidence  float64

	// MinStreamChars defaults to 10 when zero.
	MinStreamChars int

	// CorroborateBelow, when > 0, cross-checks streaming transcripts whose
	// confidence is below the threshold against the batch text.
	CorroborateBelow float64
}

// Verdict is the arbitration outcome.
type Verdict struct {
	Text       string
	Source     thought.TranscriptSource
	Confidence float64
}

// Arbitrate picks the final transcript. The rules, in order:
//
//  1. A streaming transcript of MinStreamChars or more wins, unless
//     corroboration is enabled, its confidence is below the threshold, and
//     the batch transcript disagrees; then batch wins.
//  2. Otherwise a non-empty batch transcript wins.
//  3. A short streaming transcript is still used when batch produced nothing.
//  4. Both empty: [ErrNoSpeech].
//
// Arbitrate is pure and deterministic; given the same inputs it always
// returns the same verdict.
func Arbitrate(a Arbitration) (Verdict, error) {
	stream := strings.TrimSpace(a.StreamText)
	batch := strings.TrimSpace(a.BatchText)

	minChars := a.MinStreamChars
	if minChars <= 0 {
		minChars = defaultMinStreamChars
	}

	streamVerdict := Verdict{
		Text:       stream,
		Source:     thought.SourceStreaming,
		Confidence: orDefault(a.StreamConfidence, defaultInterimConfidence),
	}
	batchVerdict := Verdict{
		Text:       batch,
		Source:     thought.SourceBatch,
		Confidence: orDefault(a.BatchConfidence, defaultInterimConfidence),
	}

	if len([]rune(stream)) >= minChars {
		if a.CorroborateBelow > 0 && a.StreamConfidence < a.CorroborateBelow && batch != "" {
			if Similarity(stream, batch) < corroborationThreshold {
				return batchVerdict, nil
			}
		}
		return streamVerdict, nil
	}
	if batch != "" {
		return batchVerdict, nil
	}
	if stream != "" {
		return streamVerdict, nil
	}
	return Verdict{}, ErrNoSpeech
}

// NeedsBatch reports whether [Arbitrate] could still pick a batch transcript
// given this streaming candidate. When it returns false the streaming text is
// long enough to win outright and needs no corroboration, so the caller can
// skip batch transcription entirely.
func NeedsBatch(streamText string, streamConfidence float64, minChars int, corroborateBelow float64) bool {
	if minChars <= 0 {
		minChars = defaultMinStreamChars
	}
	if len([]rune(strings.TrimSpace(streamText))) < minChars {
		return true
	}
	return corroborateBelow > 0 && streamConfidence < corroborateBelow
}

func orDefault(conf, fallback float64) float64 {
	if conf == 0 {
		return fallback
	}
	return conf
}
