package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/selfreflect/engine/internal/domain"
)

func TestNewFactorySelection(t *testing.T) {
	deps := ClientDeps{}

	t.Run("explicit qwen without key is config error", func(t *testing.T) {
		_, err := New(Config{Provider: "qwen"}, deps)
		if err == nil || !errors.Is(err, domain.ErrConfig) {
			t.Fatalf("expected config error, got %v", err)
		}
	})

	t.Run("explicit qwen with key succeeds", func(t *testing.T) {
		p, err := New(Config{Provider: "qwen", DashscopeKey: "k", DashscopeEndpoint: "http://x"}, deps)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Tag() != "qwen_2048d" || p.Dimension() != 2048 {
			t.Fatalf("unexpected provider: tag=%s dim=%d", p.Tag(), p.Dimension())
		}
	})

	t.Run("voyage preferred only when qwen unset", func(t *testing.T) {
		p, err := New(Config{VoyageKey: "v"}, deps)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Tag() != "voyage" {
			t.Fatalf("expected voyage, got %s", p.Tag())
		}
	})

	t.Run("qwen preferred over voyage when both configured", func(t *testing.T) {
		p, err := New(Config{DashscopeKey: "k", VoyageKey: "v"}, deps)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Tag() != "qwen_2048d" {
			t.Fatalf("expected qwen preferred, got %s", p.Tag())
		}
	})

	t.Run("no provider configured is an error", func(t *testing.T) {
		if _, err := New(Config{}, deps); err == nil {
			t.Fatal("expected error when nothing is configured")
		}
	})

	t.Run("unknown explicit provider is an error", func(t *testing.T) {
		if _, err := New(Config{Provider: "bogus"}, deps); err == nil {
			t.Fatal("expected error for unknown provider name")
		}
	})
}

func TestValidateCatchesMismatchAndDegenerate(t *testing.T) {
	if err := Validate([][]float32{{1, 2}}, 2, 2); err == nil {
		t.Fatal("expected count mismatch error")
	}
	if err := Validate([][]float32{{1, 2, 3}}, 1, 2); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if err := Validate([][]float32{{0, 0, 0}}, 1, 3); err == nil {
		t.Fatal("expected degenerate vector error")
	}
	if err := Validate([][]float32{{1, 2, 3}}, 1, 3); err != nil {
		t.Fatalf("unexpected error for valid vector: %v", err)
	}
}

func TestSplitBySentenceNeverEmpty(t *testing.T) {
	out := splitBySentence("", 10)
	if len(out) == 0 {
		t.Fatal("expected at least one piece even for empty text")
	}
}

func TestSplitBySentenceRespectsBudgetRoughly(t *testing.T) {
	text := ""
	for i := 0; i < 50; i++ {
		text += "This is a sentence about something interesting. "
	}
	pieces := splitBySentence(text, 200)
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces for long text, got %d", len(pieces))
	}
}

func TestAverageVectors(t *testing.T) {
	avg := averageVectors([][]float32{{1, 1}, {3, 3}})
	if avg[0] != 2 || avg[1] != 2 {
		t.Fatalf("unexpected average: %v", avg)
	}
}

// fakeProvider is a minimal Provider used by downstream package tests.
type fakeProvider struct {
	dim int
	tag string
}

func (f *fakeProvider) Dimension() int { return f.dim }
func (f *fakeProvider) Tag() string    { return f.tag }
func (f *fakeProvider) Embed(_ context.Context, _ Kind, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(i + j + 1)
		}
		out[i] = v
	}
	return out, nil
}
