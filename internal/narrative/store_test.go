package narrative

import (
	"strings"
	"testing"

	"github.com/selfreflect/engine/internal/domain"
)

func TestSearchableTextIncludesPresentFieldsOnly(t *testing.T) {
	n := domain.NarrativeRecord{
		Summary: "fixed the bug",
		Tags:    []string{"go", "bugfix"},
	}
	text := searchableText(n)
	if !strings.Contains(text, "Summary: fixed the bug") {
		t.Fatalf("expected summary label, got %q", text)
	}
	if !strings.Contains(text, "Tags: go, bugfix") {
		t.Fatalf("expected tags label, got %q", text)
	}
	if strings.Contains(text, "Problem:") {
		t.Fatalf("expected absent field omitted, got %q", text)
	}
}

func TestNarrativePayloadCarriesAllFields(t *testing.T) {
	n := domain.NarrativeRecord{Summary: "s", Outcome: "success", Complexity: "low"}
	payload := narrativePayload("conv1", "proj", n)
	if payload["conversation_id"] != "conv1" || payload["project"] != "proj" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["outcome"] != "success" || payload["complexity"] != "low" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
