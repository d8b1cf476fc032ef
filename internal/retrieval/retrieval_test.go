package retrieval

import (
	"testing"
	"time"
)

func TestDecayScoreAppliesHalfLife(t *testing.T) {
	now := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	ts := now.AddDate(0, 0, -90).Format(time.RFC3339) // exactly one half-life old
	payload := map[string]any{"timestamp": ts}

	got := decayScore(1.0, payload, now, DecayOptions{}.normalized())
	// at age == half-life, exp(-1) ~ 0.3679; final = 1*(0.5 + 0.5*0.3679) ~ 0.684
	if got < 0.68 || got > 0.69 {
		t.Fatalf("unexpected decayed score: %v", got)
	}
}

func TestDecayScoreLeavesUndecoratedOnMissingTimestamp(t *testing.T) {
	got := decayScore(0.9, map[string]any{}, time.Now(), DecayOptions{}.normalized())
	if got != 0.9 {
		t.Fatalf("expected score unchanged without a timestamp, got %v", got)
	}
}

func TestGranularityStepRejectsUnknown(t *testing.T) {
	if _, err := granularityStep("fortnight"); err == nil {
		t.Fatal("expected an error for an unknown granularity")
	}
}

func TestGranularityStepKnownValues(t *testing.T) {
	for g, want := range map[string]time.Duration{"hour": time.Hour, "day": 24 * time.Hour, "week": 7 * 24 * time.Hour} {
		got, err := granularityStep(g)
		if err != nil || got != want {
			t.Fatalf("granularityStep(%q) = %v, %v; want %v", g, got, err, want)
		}
	}
}

func TestArrayFieldContainsCaseInsensitive(t *testing.T) {
	payload := map[string]any{"files_edited": []any{"internal/Ingest/ingest.go", "README.md"}}
	if !arrayFieldContains(payload, "ingest/ingest.go", "files_analyzed", "files_edited") {
		t.Fatal("expected substring match across fields, case-insensitively")
	}
	if arrayFieldContains(payload, "nonexistent.go", "files_analyzed", "files_edited") {
		t.Fatal("expected no match for an absent substring")
	}
}

func TestTimeRangeFilterBuildsHalfOpenRange(t *testing.T) {
	tr := &TimeRange{Start: time.Unix(100, 0), End: time.Unix(200, 0)}
	f := timeRangeFilter(tr)
	if len(f.Must) != 1 {
		t.Fatalf("expected one range condition, got %d", len(f.Must))
	}
	c := f.Must[0]
	if c.Key != "timestamp_unix" || c.Range == nil {
		t.Fatalf("unexpected condition: %+v", c)
	}
	if *c.Range.Gte != 100 || *c.Range.Lt != 200 {
		t.Fatalf("unexpected range bounds: %+v", c.Range)
	}
}

func TestTimeRangeFilterNilWhenNoRange(t *testing.T) {
	if timeRangeFilter(nil) != nil {
		t.Fatal("expected nil filter for nil range")
	}
}
