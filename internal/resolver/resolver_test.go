package resolver

import (
	"testing"

	"github.com/selfreflect/engine/internal/project"
)

func TestCollectionsAllPrefix(t *testing.T) {
	all := []string{"conv_aaaa1111_qwen_2048d", "narratives_bbbb", "conv_cccc2222_voyage"}
	got := Collections("all", all)
	if len(got) != 2 {
		t.Fatalf("expected 2 conv_ collections, got %v", got)
	}
}

func TestCollectionsHashPrefixMatch(t *testing.T) {
	h := project.Hash8("foo")
	all := []string{"conv_" + h + "_qwen_2048d", "conv_deadbeef_qwen_2048d"}
	got := Collections("foo", all)
	if len(got) != 1 || got[0] != all[0] {
		t.Fatalf("expected exactly the matching collection, got %v", got)
	}
}

func TestCollectionsS6ProjectScopedSearch(t *testing.T) {
	h := project.Hash8("foo")
	all := []string{"conv_" + h + "_qwen_2048d"}
	got := Collections("foo", all)
	if len(got) != 1 {
		t.Fatalf("expected S1-style resolution to find the collection, got %v", got)
	}
}

func TestCollectionsLegacyFallback(t *testing.T) {
	all := []string{"conv_legacy_myproject_name"}
	got := Collections("myproject_name", all)
	if len(got) != 1 {
		t.Fatalf("expected legacy substring fallback to match, got %v", got)
	}
}

func TestMatchesProjectExact(t *testing.T) {
	if !MatchesProject("foo", "foo") {
		t.Fatal("expected exact match")
	}
}

func TestMatchesProjectDashEncodedPrefix(t *testing.T) {
	if !MatchesProject("-Users-x-projects-foo", "foo") {
		t.Fatal("expected dash-encoded suffix to match")
	}
}

func TestMatchesProjectUnderscoreNormalized(t *testing.T) {
	if !MatchesProject("my_long-project", "long-project") {
		t.Fatal("expected underscore-normalized suffix match")
	}
}

func TestMatchesProjectNoFalsePositive(t *testing.T) {
	if MatchesProject("unrelated", "foo") {
		t.Fatal("expected no match for unrelated project")
	}
}
