// Package domain defines the core data model shared across the ingestion,
// narrative, and retrieval subsystems: transcripts, chunks, state records,
// narratives, and batch-job state, per the data model in the project spec.
package domain

import "time"

// Message is one parsed line of a transcript: a user/assistant turn or a
// non-conversational record (type == "summary" or similar).
type Message struct {
	Timestamp time.Time
	Type      string // "user" | "assistant" | "summary" | ...
	Role      string // message.role, when present
	Parts     []ContentPart
}

// ContentPart is a discriminated union over the duck-typed shapes that can
// appear in message.content: a plain text run, a tool invocation, or
// anything else (ignored by the chunker but not a parse error).
type ContentPart struct {
	Kind    PartKind
	Text    string
	ToolUse ToolUsePart
}

// PartKind discriminates ContentPart.
type PartKind int

const (
	PartOther PartKind = iota
	PartText
	PartToolUse
)

// ToolUsePart is a {"type":"tool_use","name":...,"input":{...}} record.
type ToolUsePart struct {
	Name      string
	FilePath  string // input.file_path or input.path, if present
	IsEdit    bool   // name ∈ {Edit, Write, MultiEdit, NotebookEdit}
}

// EditToolNames classifies tool names as file-editing vs. file-analyzing,
// per the metadata extraction algorithm.
var EditToolNames = map[string]bool{
	"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true,
}

// Chunk is a contiguous slice of <= N messages from one transcript, the unit
// that becomes one embedded vector point.
type Chunk struct {
	ConversationID  string
	ChunkIndex      int // 0-based, dense
	StartRole       string
	MessageCount    int
	TotalMessages   int
	MessageIndices  []int
	Timestamp       time.Time
	Project         string
	Text            string
	Meta            TranscriptMeta
}

// TranscriptMeta is the single aggregated metadata record extracted in pass 1
// of chunking (§4.3), propagated onto every chunk of the transcript.
type TranscriptMeta struct {
	FilesAnalyzed []string
	FilesEdited   []string
	ToolsUsed     []string
	Concepts      []string
	ASTElements   []string
	HasCodeBlocks bool
	TotalMessages int
}

// Caps on metadata extraction — hard limits, not soft hints (§4.3, §9).
const (
	MaxFilesAnalyzed = 20
	MaxFilesEdited   = 20
	MaxToolsUsed     = 15
	MaxConcepts      = 10
	MaxASTElements   = 30
)

// FileRecord is the per-file entry of the ingestion state document (§3, C4).
type FileRecord struct {
	ImportedAt            time.Time `json:"imported_at"`
	LastModified          float64   `json:"last_modified"` // mtime, as float seconds
	Chunks                int       `json:"chunks"`
	Status                string    `json:"status"` // "completed" | "failed"
	Collection            string    `json:"collection"`
	HasNarrative          bool      `json:"has_narrative,omitempty"`
	NarrativeGeneratedAt  time.Time `json:"narrative_generated_at,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// NarrativeRecord is the structured LLM-produced summary of one conversation
// (§3). Fields mirror the JSON schema pinned in the batch-job system prompt.
type NarrativeRecord struct {
	Summary       string   `json:"summary"`
	Problem       string   `json:"problem"`
	Solution      string   `json:"solution"`
	Decisions     []string `json:"decisions"`
	FilesModified []string `json:"files_modified"`
	KeyInsights   []string `json:"key_insights"`
	Tags          []string `json:"tags"`
	Complexity    string   `json:"complexity"` // low | medium | high
	Outcome       string   `json:"outcome"`    // success | partial | failed | ongoing
}

var ValidComplexity = map[string]bool{"low": true, "medium": true, "high": true}
var ValidOutcome = map[string]bool{"success": true, "partial": true, "failed": true, "ongoing": true}

// BatchJobState is the local mirror of a remote LLM batch job (§3, C7).
type BatchJobState struct {
	BatchID          string    `json:"batch_id"`
	InputFileID      string    `json:"input_file_id"`
	LocalBatchFile   string    `json:"local_batch_file"`
	Status           string    `json:"status"` // submitted|pending|in_progress|completed|failed
	Model            string    `json:"model"`
	Project          string    `json:"project,omitempty"`
	Conversations    []string  `json:"conversations"`
	ConversationsCount int     `json:"conversations_count"`
	Progress         int       `json:"progress"` // 0-100
	CompletedCount   int       `json:"completed_count"`
	FailedCount      int       `json:"failed_count"`
	OutputFileID     string    `json:"output_file_id,omitempty"`
	ErrorFileID      string    `json:"error_file_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
	Error            string    `json:"error,omitempty"`
}

const (
	BatchSubmitted  = "submitted"
	BatchPending    = "pending"
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// BackfillRunState is the singleton in-memory record of an orchestrator run (§3, C9).
type BackfillRunState struct {
	Running          bool
	BatchesSubmitted int
	BatchesCompleted int
	ConversationsTotal int
	LastError        string
	StartedAt        time.Time
}

// ConceptNode and RelationEdge back the optional concept-graph enrichment
// (SPEC_FULL §4.13, C13) — a supplemental, best-effort projection, not part
// of the compatibility contract in §9.
type ConceptNode struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"` // file | tool | concept
	Label   string `json:"label"`
	Project string `json:"project"`
}

type RelationEdge struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Kind           string `json:"kind"` // co_occurs_with
	ConversationID string `json:"conversation_id"`
}
