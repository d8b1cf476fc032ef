package narrative

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/pkg/resilience"
)

const (
	// maxConversationChars bounds how much of a transcript is inlined into
	// the batch request's user prompt before truncation (§4.7).
	maxConversationChars = 400_000
	truncationMarker     = "\n\n...[truncated]"

	systemPrompt = `You are a precise technical writer. Summarize the following development conversation as a single JSON object with exactly these fields: summary, problem, solution, decisions (array of strings), files_modified (array of strings), key_insights (array of strings), tags (array of strings), complexity (one of "low","medium","high"), outcome (one of "success","partial","failed","ongoing"). Respond with JSON only, no prose, no markdown fences.`
)

// RemoteClient is the subset of a batch-completion API this service drives
// (§4.7, §6): upload a request file, create a batch job against it, poll
// its status, download results, cancel.
type RemoteClient interface {
	UploadFile(ctx context.Context, filename string, data []byte) (fileID string, err error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string, metadata map[string]string) (batchID string, err error)
	GetBatch(ctx context.Context, batchID string) (RemoteBatchStatus, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	CancelBatch(ctx context.Context, batchID string) error
}

// RemoteBatchStatus is the remote job's raw status payload.
type RemoteBatchStatus struct {
	Status          string // validating|in_progress|completed|failed|expired|cancelled
	CompletedCount  int
	TotalCount      int
	OutputFileID    string
	ErrorFileID     string
}

// remoteToLocal translates remote batch status to the local vocabulary
// (§4.7 table).
func remoteToLocal(remote string) string {
	switch remote {
	case "validating":
		return domain.BatchPending
	case "in_progress":
		return domain.BatchInProgress
	case "completed":
		return domain.BatchCompleted
	case "failed", "expired", "cancelled":
		return domain.BatchFailed
	default:
		return domain.BatchPending
	}
}

// Service drives C7's operations, reading conversation text from disk and
// persisting batch state under TmpRoot/batch_state.
type Service struct {
	Client  RemoteClient
	TmpRoot string
}

// requestLine is one JSONL row of the batch request file (§6, bit-exact).
type requestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     requestBody `json:"body"`
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat responseFormat  `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// SubmitBatch builds the request file for convIDs (looked up in pathsByID),
// uploads it, creates the remote batch, and persists local state (§4.7).
func (s *Service) SubmitBatch(ctx context.Context, convIDs []string, pathsByID map[string]string, project, model string) (domain.BatchJobState, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range convIDs {
		content, err := conversationText(pathsByID[id])
		if err != nil {
			return domain.BatchJobState{}, domain.Wrap("narrative.SubmitBatch", id, domain.ErrFileFailed)
		}
		line := requestLine{
			CustomID: id,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: requestBody{
				Model: model,
				Messages: []chatMessage{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: content},
				},
				Temperature:    0.3,
				ResponseFormat: responseFormat{Type: "json_object"},
			},
		}
		if err := enc.Encode(line); err != nil {
			return domain.BatchJobState{}, err
		}
	}

	localFile, err := writeBatchFile(s.TmpRoot, buf.Bytes())
	if err != nil {
		return domain.BatchJobState{}, err
	}

	inputFileID, err := s.Client.UploadFile(ctx, filepath.Base(localFile), buf.Bytes())
	if err != nil {
		return domain.BatchJobState{}, domain.Wrap("narrative.SubmitBatch", "upload", domain.ErrProviderTransient)
	}

	batchID, err := s.Client.CreateBatch(ctx, inputFileID, "/v1/chat/completions", "24h", map[string]string{
		"model":      model,
		"created_by": "selfreflect-narrative-worker",
	})
	if err != nil {
		return domain.BatchJobState{}, domain.Wrap("narrative.SubmitBatch", "create batch", domain.ErrProviderTransient)
	}

	now := time.Now()
	st := domain.BatchJobState{
		BatchID:            batchID,
		InputFileID:        inputFileID,
		LocalBatchFile:     localFile,
		Status:             domain.BatchSubmitted,
		Model:              model,
		Project:            project,
		Conversations:      convIDs,
		ConversationsCount: len(convIDs),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := saveBatchState(s.TmpRoot, st); err != nil {
		return st, err
	}
	return st, nil
}

func writeBatchFile(tmpRoot string, data []byte) (string, error) {
	dir := filepath.Join(tmpRoot, "batch_files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("batch_%d_%s.jsonl", time.Now().Unix(), randomShortID())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func conversationText(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("narrative: no local path for conversation")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxConversationChars {
		data = append(data[:maxConversationChars], []byte(truncationMarker)...)
	}
	return string(data), nil
}

// Poll fetches remote status, translates it, updates progress, and
// persists (§4.7). A batch with no progress for 24h is declared failed
// locally (the polling loop's own timeout bound, not a remote status).
func (s *Service) Poll(ctx context.Context, batchID string) (domain.BatchJobState, error) {
	st, err := loadBatchState(s.TmpRoot, batchID)
	if err != nil {
		return st, err
	}
	if st.BatchID == "" {
		return st, domain.Wrap("narrative.Poll", batchID, domain.ErrBadRequest)
	}

	if time.Since(st.UpdatedAt) > 24*time.Hour && st.Status != domain.BatchCompleted {
		st.Status = domain.BatchFailed
		st.Error = "no progress for 24h"
		st.UpdatedAt = time.Now()
		_ = saveBatchState(s.TmpRoot, st)
		return st, nil
	}

	remote, err := s.Client.GetBatch(ctx, batchID)
	if err != nil {
		return st, domain.Wrap("narrative.Poll", batchID, domain.ErrProviderTransient)
	}

	prevStatus, prevCompleted := st.Status, st.CompletedCount
	st.Status = remoteToLocal(remote.Status)
	if remote.TotalCount > 0 {
		st.Progress = remote.CompletedCount * 100 / remote.TotalCount
	}
	st.CompletedCount = remote.CompletedCount
	st.OutputFileID = remote.OutputFileID
	st.ErrorFileID = remote.ErrorFileID
	// UpdatedAt marks the last observed progress, which is what the 24h
	// timeout above measures; a poll that sees no change leaves it alone.
	if st.Status != prevStatus || st.CompletedCount != prevCompleted {
		st.UpdatedAt = time.Now()
	}
	if st.Status == domain.BatchCompleted {
		st.CompletedAt = st.UpdatedAt
	}

	if err := saveBatchState(s.TmpRoot, st); err != nil {
		return st, err
	}
	return st, nil
}

// Result is one conversation's narrative outcome from FetchResults.
type Result struct {
	ConversationID string
	Narrative      domain.NarrativeRecord
	Error          string
}

// responseLine is one JSONL row of the batch output file.
type responseLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// FetchResults downloads and parses the output file for a completed batch
// (§4.7). Requires the batch to be completed.
func (s *Service) FetchResults(ctx context.Context, batchID string) ([]Result, error) {
	st, err := loadBatchState(s.TmpRoot, batchID)
	if err != nil {
		return nil, err
	}
	if st.Status != domain.BatchCompleted {
		return nil, domain.Wrap("narrative.FetchResults", batchID, domain.ErrBadRequest)
	}

	data, err := s.Client.DownloadFile(ctx, st.OutputFileID)
	if err != nil {
		return nil, domain.Wrap("narrative.FetchResults", batchID, domain.ErrProviderTransient)
	}

	var results []Result
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var line responseLine
		if err := dec.Decode(&line); err != nil {
			continue
		}
		r := Result{ConversationID: line.CustomID}
		if line.Error != nil {
			r.Error = line.Error.Message
			results = append(results, r)
			continue
		}
		if line.Response.StatusCode != 200 || len(line.Response.Body.Choices) == 0 {
			r.Error = fmt.Sprintf("non-200 response: %d", line.Response.StatusCode)
			results = append(results, r)
			continue
		}
		var nar domain.NarrativeRecord
		content := line.Response.Body.Choices[0].Message.Content
		if err := json.Unmarshal([]byte(content), &nar); err != nil {
			r.Error = fmt.Sprintf("unparseable narrative: %v", err)
			results = append(results, r)
			continue
		}
		r.Narrative = nar
		results = append(results, r)
	}
	return results, nil
}

// Cancel requests remote cancellation and persists the resulting state.
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	if err := s.Client.CancelBatch(ctx, batchID); err != nil {
		return domain.Wrap("narrative.Cancel", batchID, domain.ErrProviderTransient)
	}
	st, err := loadBatchState(s.TmpRoot, batchID)
	if err != nil {
		return err
	}
	st.Status = domain.BatchFailed
	st.Error = "cancelled"
	st.UpdatedAt = time.Now()
	return saveBatchState(s.TmpRoot, st)
}

func randomShortID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// httpRemoteClient is the concrete RemoteClient against an OpenAI-compatible
// batch-completion API, grounded on the breaker+rate-limiter HTTP pattern
// used by the embedding providers.
type httpRemoteClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewHTTPRemoteClient constructs a RemoteClient against baseURL (an
// OpenAI-compatible /v1 API root).
func NewHTTPRemoteClient(baseURL, apiKey string) RemoteClient {
	return &httpRemoteClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

func (c *httpRemoteClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *httpRemoteClient) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("narrative: upload file: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *httpRemoteClient) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string, metadata map[string]string) (string, error) {
	payload := map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
		"metadata":          metadata,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/batches", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *httpRemoteClient) GetBatch(ctx context.Context, batchID string) (RemoteBatchStatus, error) {
	var out struct {
		Status        string `json:"status"`
		RequestCounts struct {
			Completed int `json:"completed"`
			Total     int `json:"total"`
		} `json:"request_counts"`
		OutputFileID string `json:"output_file_id"`
		ErrorFileID  string `json:"error_file_id"`
	}
	if err := c.getJSON(ctx, "/batches/"+batchID, &out); err != nil {
		return RemoteBatchStatus{}, err
	}
	return RemoteBatchStatus{
		Status:         out.Status,
		CompletedCount: out.RequestCounts.Completed,
		TotalCount:     out.RequestCounts.Total,
		OutputFileID:   out.OutputFileID,
		ErrorFileID:    out.ErrorFileID,
	}, nil
}

func (c *httpRemoteClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("narrative: download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *httpRemoteClient) CancelBatch(ctx context.Context, batchID string) error {
	var out map[string]any
	return c.postJSON(ctx, "/batches/"+batchID+"/cancel", nil, &out)
}

func (c *httpRemoteClient) postJSON(ctx context.Context, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = b
	}

	return c.breaker.Call(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("narrative: %s: status %d", path, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *httpRemoteClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("narrative: %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
