package chunker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

// rawMessage mirrors the duck-typed "message" object of a transcript line.
type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawRecord mirrors one transcript JSONL line (§6 external interface).
// Unknown fields are ignored by encoding/json by default.
type rawRecord struct {
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Message   rawMessage `json:"message"`
}

type rawPart struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type rawToolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
}

// parseLine decodes one JSONL line into a rawRecord. A parse error here is
// a per-line Parse error: the caller skips and counts it, never fatal.
func parseLine(line []byte) (rawRecord, error) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rawRecord{}, err
	}
	return rec, nil
}

// parseContent decodes message.content, which is either a plain string or a
// list of typed parts, into the ContentPart discriminated union (§9).
// Unknown variants degenerate to PartOther and are ignored downstream.
func parseContent(raw json.RawMessage) []domain.ContentPart {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []domain.ContentPart{{Kind: domain.PartText, Text: asString}}
	}

	var parts []rawPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}

	out := make([]domain.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, domain.ContentPart{Kind: domain.PartText, Text: p.Text})
			}
		case "tool_use":
			var input rawToolInput
			_ = json.Unmarshal(p.Input, &input)
			fp := input.FilePath
			if fp == "" {
				fp = input.Path
			}
			out = append(out, domain.ContentPart{
				Kind: domain.PartToolUse,
				ToolUse: domain.ToolUsePart{
					Name:     p.Name,
					FilePath: fp,
					IsEdit:   domain.EditToolNames[p.Name],
				},
			})
		default:
			out = append(out, domain.ContentPart{Kind: domain.PartOther})
		}
	}
	return out
}

// renderText flattens a message's content parts into the chunk-text form
// used by the ROLE: content\n\n... serialization.
func renderText(parts []domain.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Kind {
		case domain.PartText:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		case domain.PartToolUse:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[tool_use: " + p.ToolUse.Name + "]")
		}
	}
	return b.String()
}

// allText concatenates only the text parts, used for AST/concept scanning.
func allText(parts []domain.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == domain.PartText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	typeSummary   = "summary"
)

func isConversational(role string) bool {
	return role == roleUser || role == roleAssistant
}
