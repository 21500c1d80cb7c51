package capture

import "testing"

func TestSimilarity_Identical(t *testing.T) {
	if got := Similarity("buy milk", "buy milk"); got != 1 {
		t.Errorf("Similarity = %f, want 1", got)
	}
}

func TestSimilarity_CaseAndWhitespaceInsensitive(t *testing.T) {
	if got := Similarity("Buy  Milk", "buy milk"); got != 1 {
		t.Errorf("Similarity = %f, want 1", got)
	}
}

func TestSimilarity_EmptyInputs(t *testing.T) {
	if got := Similarity("", "buy milk"); got != 0 {
		t.Errorf("Similarity = %f, want 0", got)
	}
	if got := Similarity("buy milk", "   "); got != 0 {
		t.Errorf("Similarity = %f, want 0", got)
	}
}

func TestSimilarity_CloseTranscriptsScoreHigh(t *testing.T) {
	got := Similarity(
		"remember to call the dentist",
		"remember to call the dentist tomorrow",
	)
	if got < corroborationThreshold {
		t.Errorf("Similarity = %f, want >= %f", got, corroborationThreshold)
	}
}

func TestSimilarity_UnrelatedTranscriptsScoreLow(t *testing.T) {
	got := Similarity(
		"xylophone quartz jumbles",
		"remember to call the dentist",
	)
	if got >= corroborationThreshold {
		t.Errorf("Similarity = %f, want < %f", got, corroborationThreshold)
	}
}
