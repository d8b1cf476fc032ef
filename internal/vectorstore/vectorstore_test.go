package vectorstore

import (
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/selfreflect/engine/internal/domain"
)

func TestChunkPointIDDeterministicDistinctAndTopBitCleared(t *testing.T) {
	a := ChunkPointID("conv-1", 0, 0)
	b := ChunkPointID("conv-1", 0, 0)
	if a != b {
		t.Fatal("expected deterministic point ID")
	}
	c := ChunkPointID("conv-1", 1, 0)
	if a == c {
		t.Fatal("expected distinct IDs for distinct chunk indices")
	}
	if a>>63 != 0 {
		t.Fatal("expected top bit cleared (non-negative as signed 64-bit)")
	}
}

func TestChunkPointIDDistinctAcrossSubIndex(t *testing.T) {
	a := ChunkPointID("conv-1", 0, 0)
	b := ChunkPointID("conv-1", 0, 1)
	if a == b {
		t.Fatal("expected distinct IDs for distinct sub-chunks of the same chunk index")
	}
}

func TestNarrativePointIDDeterministic(t *testing.T) {
	a := NarrativePointID("conv-1")
	b := NarrativePointID("conv-1")
	if a != b {
		t.Fatal("expected deterministic narrative point ID")
	}
	if NarrativePointID("conv-2") == a {
		t.Fatal("expected distinct IDs for distinct conversations")
	}
}

func TestPayloadValueRoundTrip(t *testing.T) {
	cases := []any{"hello", int64(42), 3.14, true, []string{"a", "b"}}
	for _, c := range cases {
		v := toValue(c)
		got := fromValue(v)
		switch want := c.(type) {
		case []string:
			gotSlice, ok := got.([]any)
			if !ok || len(gotSlice) != len(want) {
				t.Fatalf("list round-trip mismatch: %v -> %v", c, got)
			}
		default:
			if got != c {
				t.Fatalf("round-trip mismatch: %v -> %v", c, got)
			}
		}
	}
}

func TestToProtoFilterBuildsAllThreeClauses(t *testing.T) {
	f := Filter{
		Must:    []Condition{{Key: "project", Match: &MatchValue{Value: "foo"}}},
		Should:  []Condition{{Key: "outcome", Match: &MatchValue{Value: "success"}}},
		MustNot: []Condition{{Key: "status", Match: &MatchValue{Value: "failed"}}},
	}
	pf := toProtoFilter(f)
	if len(pf.Must) != 1 || len(pf.Should) != 1 || len(pf.MustNot) != 1 {
		t.Fatalf("expected one condition per clause, got %+v", pf)
	}
}

func TestClassifyMapsGRPCCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want error
	}{
		{codes.NotFound, domain.ErrStoreNotFound},
		{codes.InvalidArgument, domain.ErrStoreBadRequest},
		{codes.Unavailable, domain.ErrStoreTransient},
		{codes.DeadlineExceeded, domain.ErrStoreTransient},
	}
	for _, tc := range cases {
		err := classify("op", status.Error(tc.code, "boom"))
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %v: expected %v, got %v", tc.code, tc.want, err)
		}
	}
}

func TestEnsurePayloadIndexSignatureAcceptsFieldType(t *testing.T) {
	// Compile-time shape check: EnsurePayloadIndex takes a pb.FieldType.
	var _ = pb.FieldType_FieldTypeKeyword
}
