package ingest

import (
	"testing"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

func TestConversationIDStripsDirAndExtension(t *testing.T) {
	cases := map[string]string{
		"/data/proj/conv123.jsonl": "conv123",
		"conv456.jsonl":            "conv456",
		"/a/b/c.d.jsonl":           "c.d",
	}
	for path, want := range cases {
		if got := conversationID(path); got != want {
			t.Fatalf("conversationID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestChunkPayloadCarriesTimestampUnixAlongsideRFC3339(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	c := domain.Chunk{
		ConversationID: "conv1",
		ChunkIndex:     2,
		Timestamp:      ts,
		Meta:           domain.TranscriptMeta{FilesAnalyzed: []string{"a.go"}},
	}
	payload := chunkPayload(c, 0)

	if payload["timestamp"] != ts.Format(time.RFC3339) {
		t.Fatalf("unexpected timestamp string: %v", payload["timestamp"])
	}
	if payload["timestamp_unix"] != ts.Unix() {
		t.Fatalf("unexpected timestamp_unix: %v", payload["timestamp_unix"])
	}
	if payload["chunk_index"] != 2 {
		t.Fatalf("unexpected chunk_index: %v", payload["chunk_index"])
	}
}

func TestChunkPayloadOmitsEmptyMetadataArrays(t *testing.T) {
	payload := chunkPayload(domain.Chunk{}, 0)
	for _, key := range []string{"files_analyzed", "files_edited", "tools_used", "concepts", "ast_elements"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("expected %s omitted for empty metadata, found %v", key, payload[key])
		}
	}
}
