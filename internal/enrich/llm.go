package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/halcyonlabs/murmur/pkg/provider/llm"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// Categories is the closed category set the classifier chooses from.
var Categories = []string{"task", "idea", "note", "question", "reminder"}

const (
	promptTemperature = 0.1
	promptMaxTokens   = 512

	categorizeSystem = `You classify short personal voice notes. Respond with only a JSON object, no prose:
{"category": "<one of: task, idea, note, question, reminder>", "confidence": <0..1>, "tags": ["<up to 5 lowercase tags>"]}`

	entitiesSystem = `You extract named entities from short personal voice notes. Respond with only a JSON object, no prose:
{"people": [], "places": [], "dates": [], "organizations": [], "topics": []}
Every field is an array of strings; use [] when nothing matches.`

	reminderSystem = `You detect reminder requests in short personal voice notes. The current time is %s. Respond with only a JSON object, no prose:
{"has_reminder": <bool>, "when": "<RFC3339 timestamp, or empty when no time was given>", "description": "<what to remind about, or empty>"}
Resolve relative phrases like "tomorrow at 3pm" against the current time.`
)

// Compile-time interface assertion.
var _ Runner = (*LLMRunner)(nil)

// LLMRunner executes enrichment tasks against an [llm.Client] with
// constrained JSON prompts.
type LLMRunner struct {
	client llm.Client

	// now is replaceable in tests so relative reminder phrasing resolves
	// against a fixed clock.
	now func() time.Time
}

// NewLLMRunner creates a runner backed by client.
func NewLLMRunner(client llm.Client) *LLMRunner {
	return &LLMRunner{client: client, now: time.Now}
}

// Run implements [Runner].
func (r *LLMRunner) Run(ctx context.Context, task Task) (thought.Enrichment, error) {
	switch task.Kind {
	case KindCategorize:
		return r.categorize(ctx, task.Text)
	case KindExtractEntities:
		return r.extractEntities(ctx, task.Text)
	case KindParseReminder:
		return r.parseReminder(ctx, task.Text)
	default:
		return thought.Enrichment{}, fmt.Errorf("enrich: unknown task kind %d", task.Kind)
	}
}

func (r *LLMRunner) complete(ctx context.Context, system, user string) (string, error) {
	return r.client.Complete(ctx, llm.Request{
		System:      system,
		User:        user,
		Temperature: promptTemperature,
		MaxTokens:   promptMaxTokens,
	})
}

func (r *LLMRunner) categorize(ctx context.Context, text string) (thought.Enrichment, error) {
	raw, err := r.complete(ctx, categorizeSystem, text)
	if err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: categorize: %w", err)
	}

	var parsed struct {
		Category   string   `json:"category"`
		Confidence float64  `json:"confidence"`
		Tags       []string `json:"tags"`
	}
	if err := json.Unmarshal(extractJSON(raw), &parsed); err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: categorize response %q: %w", raw, err)
	}

	category := strings.ToLower(strings.TrimSpace(parsed.Category))
	confidence := clamp01(parsed.Confidence)
	if !isKnownCategory(category) {
		// An off-list label becomes a low-confidence note instead of
		// polluting the category set.
		category = "note"
		confidence = min(confidence, 0.5)
	}

	tags := make([]string, 0, len(parsed.Tags))
	for _, tag := range parsed.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			tags = append(tags, tag)
		}
	}

	return thought.Enrichment{
		Category:           category,
		CategoryConfidence: confidence,
		Tags:               tags,
	}, nil
}

func (r *LLMRunner) extractEntities(ctx context.Context, text string) (thought.Enrichment, error) {
	raw, err := r.complete(ctx, entitiesSystem, text)
	if err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: extract entities: %w", err)
	}

	var parsed thought.Entities
	if err := json.Unmarshal(extractJSON(raw), &parsed); err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: entities response %q: %w", raw, err)
	}
	return thought.Enrichment{Entities: &parsed}, nil
}

func (r *LLMRunner) parseReminder(ctx context.Context, text string) (thought.Enrichment, error) {
	system := fmt.Sprintf(reminderSystem, r.now().Format(time.RFC3339))
	raw, err := r.complete(ctx, system, text)
	if err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: parse reminder: %w", err)
	}

	var parsed struct {
		HasReminder bool   `json:"has_reminder"`
		When        string `json:"when"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(extractJSON(raw), &parsed); err != nil {
		return thought.Enrichment{}, fmt.Errorf("enrich: reminder response %q: %w", raw, err)
	}

	reminder := thought.Reminder{
		HasReminder: parsed.HasReminder,
		Description: strings.TrimSpace(parsed.Description),
	}
	if parsed.HasReminder && parsed.When != "" {
		when, err := parseWhen(parsed.When)
		if err != nil {
			return thought.Enrichment{}, fmt.Errorf("enrich: reminder timestamp %q: %w", parsed.When, err)
		}
		reminder.When = &when
	}
	return thought.Enrichment{Reminder: &reminder}, nil
}

// whenLayouts are accepted in order; models occasionally drop the zone.
var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseWhen(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range whenLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object.
func extractJSON(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func isKnownCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
