// Package chunker stream-parses a transcript into bounded chunks and
// extracts the aggregated metadata record (C3). It never loads a whole
// transcript into memory: both the metadata pass and the chunking pass
// read the file line by line.
package chunker

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

const (
	maxLineBuffer = 8 * 1024 * 1024 // bound a single pathological line
	initialBuffer = 64 * 1024
)

// Options configures chunk size; MaxChunkSize is N in the spec (default 50).
type Options struct {
	MaxChunkSize int
}

// DefaultOptions matches MAX_CHUNK_SIZE's documented default.
var DefaultOptions = Options{MaxChunkSize: 50}

// Result is the output of processing one transcript file.
type Result struct {
	Chunks         []domain.Chunk
	Meta           domain.TranscriptMeta
	FirstTimestamp time.Time
	LinesSkipped   int
}

// Process runs both passes over the transcript at path and returns its
// chunks and aggregated metadata. conversationID is normally the filename
// stem; project is the already-normalized project name stamped onto every
// chunk.
//
// IO errors abort with a FileFailed error (§4.3); malformed individual
// lines are skipped and counted, never fatal.
func Process(path, conversationID, project string, opts Options) (Result, error) {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultOptions.MaxChunkSize
	}

	meta, firstTS, skipped1, err := extractMetadata(path)
	if err != nil {
		return Result{}, domain.Wrap("chunker.Process", path, domain.ErrFileFailed)
	}

	chunks, skipped2, err := chunkTranscript(path, conversationID, project, opts.MaxChunkSize, &meta)
	if err != nil {
		return Result{}, domain.Wrap("chunker.Process", path, domain.ErrFileFailed)
	}

	for i := range chunks {
		if chunks[i].Timestamp.IsZero() {
			chunks[i].Timestamp = firstTS
		}
	}

	return Result{
		Chunks:         chunks,
		Meta:           meta,
		FirstTimestamp: firstTS,
		LinesSkipped:   skipped1 + skipped2,
	}, nil
}

// extractMetadata is pass 1 (§4.3): collect files/tools/concepts/AST/total
// message counts, enforcing caps as early as possible.
func extractMetadata(path string) (domain.TranscriptMeta, time.Time, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.TranscriptMeta{}, time.Time{}, 0, err
	}
	defer f.Close()

	var meta domain.TranscriptMeta
	var firstTS time.Time
	var skipped int

	filesAnalyzedSeen := make(map[string]bool)
	filesEditedSeen := make(map[string]bool)
	toolsSeen := make(map[string]bool)
	astSeen := make(map[string]bool)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, initialBuffer), maxLineBuffer)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			skipped++
			continue
		}

		if firstTS.IsZero() {
			if ts := parseTimestamp(rec.Timestamp); !ts.IsZero() {
				firstTS = ts
			}
		}

		if isConversational(rec.Message.Role) {
			meta.TotalMessages++
		}

		parts := parseContent(rec.Message.Content)
		text := allText(parts)

		for _, block := range extractFencedBlocks(text) {
			meta.HasCodeBlocks = true
			if len(meta.ASTElements) >= domain.MaxASTElements {
				continue
			}
			for _, sym := range astSymbols(block) {
				if astSeen[sym] || len(meta.ASTElements) >= domain.MaxASTElements {
					continue
				}
				astSeen[sym] = true
				meta.ASTElements = append(meta.ASTElements, sym)
			}
		}

		for _, p := range parts {
			if p.Kind != domain.PartToolUse {
				continue
			}
			if !toolsSeen[p.ToolUse.Name] && len(meta.ToolsUsed) < domain.MaxToolsUsed {
				toolsSeen[p.ToolUse.Name] = true
				meta.ToolsUsed = append(meta.ToolsUsed, p.ToolUse.Name)
			}
			if p.ToolUse.FilePath == "" {
				continue
			}
			if p.ToolUse.IsEdit {
				if !filesEditedSeen[p.ToolUse.FilePath] && len(meta.FilesEdited) < domain.MaxFilesEdited {
					filesEditedSeen[p.ToolUse.FilePath] = true
					meta.FilesEdited = append(meta.FilesEdited, p.ToolUse.FilePath)
				}
			} else {
				if !filesAnalyzedSeen[p.ToolUse.FilePath] && len(meta.FilesAnalyzed) < domain.MaxFilesAnalyzed {
					filesAnalyzedSeen[p.ToolUse.FilePath] = true
					meta.FilesAnalyzed = append(meta.FilesAnalyzed, p.ToolUse.FilePath)
				}
			}
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return meta, firstTS, skipped, err
	}

	// files_analyzed and files_edited are disjoint: a path edited anywhere in
	// the transcript is recorded only under files_edited.
	if len(meta.FilesEdited) > 0 && len(meta.FilesAnalyzed) > 0 {
		analyzed := meta.FilesAnalyzed[:0]
		for _, p := range meta.FilesAnalyzed {
			if !filesEditedSeen[p] {
				analyzed = append(analyzed, p)
			}
		}
		meta.FilesAnalyzed = analyzed
	}
	return meta, firstTS, skipped, nil
}

// chunkTranscript is pass 2 (§4.3): buffer up to maxChunkSize messages,
// emit a chunk when full, emit the remainder at EOF. Concepts are scanned
// against each chunk's text and accumulated onto meta (capped at 10).
func chunkTranscript(path, conversationID, project string, maxChunkSize int, meta *domain.TranscriptMeta) ([]domain.Chunk, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, initialBuffer), maxLineBuffer)

	var chunks []domain.Chunk
	var skipped int
	var ordinal int // 1-based running ordinal over user/assistant messages

	type bufMsg struct {
		role          string
		text          string
		messageIndex  int
		timestamp     time.Time
	}
	var buf []bufMsg

	conceptsSeen := make(map[string]bool)
	for _, c := range meta.Concepts {
		conceptsSeen[c] = true
	}

	emit := func() {
		if len(buf) == 0 {
			return
		}
		var b []byte
		indices := make([]int, len(buf))
		for i, m := range buf {
			indices[i] = m.messageIndex
			b = append(b, []byte(upperRole(m.role)+": "+m.text+"\n\n")...)
		}
		text := string(b)
		meta.Concepts = extractConcepts(text, conceptsSeen, meta.Concepts, domain.MaxConcepts)

		chunks = append(chunks, domain.Chunk{
			ConversationID: conversationID,
			ChunkIndex:     len(chunks),
			StartRole:      buf[0].role,
			MessageCount:   len(buf),
			TotalMessages:  meta.TotalMessages,
			MessageIndices: indices,
			Timestamp:      buf[0].timestamp,
			Project:        project,
			Text:           text,
			Meta:           *meta,
		})
		buf = buf[:0]
	}

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			skipped++
			continue
		}
		if rec.Type == typeSummary {
			continue
		}

		msgIndex := 0
		if isConversational(rec.Message.Role) {
			ordinal++
			msgIndex = ordinal
		}

		parts := parseContent(rec.Message.Content)
		buf = append(buf, bufMsg{
			role:         rec.Message.Role,
			text:         renderText(parts),
			messageIndex: msgIndex,
			timestamp:    parseTimestamp(rec.Timestamp),
		})

		if len(buf) >= maxChunkSize {
			emit()
		}
	}
	emit() // remainder at EOF

	// Concepts accumulate across the whole transcript as chunks are
	// emitted, so an early chunk's snapshot only reflects concepts seen
	// through that point. TranscriptMeta is documented as propagated
	// uniformly onto every chunk (domain.TranscriptMeta), so backfill the
	// final, fully-accumulated concept list onto every chunk already
	// emitted.
	for i := range chunks {
		chunks[i].Meta.Concepts = meta.Concepts
	}

	if err := sc.Err(); err != nil && err != io.EOF {
		return chunks, skipped, err
	}
	return chunks, skipped, nil
}

func upperRole(role string) string {
	switch role {
	case roleUser:
		return "USER"
	case roleAssistant:
		return "ASSISTANT"
	default:
		if role == "" {
			return "SYSTEM"
		}
		b := []byte(role)
		for i, c := range b {
			if c >= 'a' && c <= 'z' {
				b[i] = c - 32
			}
		}
		return string(b)
	}
}
