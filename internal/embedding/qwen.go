package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/selfreflect/engine/internal/domain"
)

const (
	qwenDimension   = 2048
	qwenTag         = "qwen_2048d"
	qwenMaxPerCall  = 10
	qwenCharBudget  = 6000
)

// qwenProvider embeds via a DashScope-compatible /embeddings endpoint.
type qwenProvider struct {
	endpoint string
	apiKey   string
	deps     ClientDeps
}

func newQwen(cfg Config, deps ClientDeps) *qwenProvider {
	if deps.HTTP == nil {
		deps = DefaultClientDeps(5, 5)
	}
	return &qwenProvider{endpoint: cfg.DashscopeEndpoint, apiKey: cfg.DashscopeKey, deps: deps}
}

func (q *qwenProvider) Dimension() int { return qwenDimension }
func (q *qwenProvider) Tag() string    { return qwenTag }

type qwenRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

type qwenResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed honours the qwen batch/length limits: at most qwenMaxPerCall texts
// per HTTP call, and any text over qwenCharBudget characters is split on
// sentence boundaries, embedded piecewise, and averaged element-wise into
// one vector (§4.2, §8 "Qwen path" boundary behavior).
func (q *qwenProvider) Embed(ctx context.Context, kind Kind, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += qwenMaxPerCall {
		end := i + qwenMaxPerCall
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]
		vecs, err := q.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (q *qwenProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	// Pull apart any oversized texts and embed pieces individually, then
	// merge into a single request body for the rest.
	var toSend []string
	var sendIdx []int
	type pending struct {
		idx    int
		pieces []string
	}
	var oversized []pending

	for i, t := range texts {
		if len(t) > qwenCharBudget {
			oversized = append(oversized, pending{idx: i, pieces: splitBySentence(t, qwenCharBudget)})
			continue
		}
		toSend = append(toSend, t)
		sendIdx = append(sendIdx, i)
	}

	if len(toSend) > 0 {
		result, err := q.rawCall(ctx, toSend)
		if err != nil {
			return nil, err
		}
		for j, idx := range sendIdx {
			vecs[idx] = result[j]
		}
	}

	for _, p := range oversized {
		var pieceVecs [][]float32
		for j := 0; j < len(p.pieces); j += qwenMaxPerCall {
			end := j + qwenMaxPerCall
			if end > len(p.pieces) {
				end = len(p.pieces)
			}
			part, err := q.rawCall(ctx, p.pieces[j:end])
			if err != nil {
				return nil, err
			}
			pieceVecs = append(pieceVecs, part...)
		}
		vecs[p.idx] = averageVectors(pieceVecs)
	}

	return vecs, nil
}

func (q *qwenProvider) rawCall(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(qwenRequest{Model: "text-embedding-v3", Input: texts, Dimensions: qwenDimension})
	if err != nil {
		return nil, domain.WrapErr("qwen.Embed", "", err)
	}

	var parsed qwenResponse
	err = q.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		if err := q.deps.Limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+q.apiKey)

		resp, err := q.deps.HTTP.Do(req)
		if err != nil {
			return domain.Wrap("qwen.Embed", err.Error(), domain.ErrProviderTransient)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&parsed)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			return domain.Wrap("qwen.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderFatal)
		case resp.StatusCode >= 500:
			return domain.Wrap("qwen.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderTransient)
		default:
			return domain.Wrap("qwen.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderFatal)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, domain.Wrap("qwen.Embed", fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)), domain.ErrProviderFatal)
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// splitBySentence breaks text into pieces of roughly budget bytes: a piece
// ends at a sentence boundary (., !, ?, newline) once it holds at least
// three quarters of budget, or at the next whitespace once it reaches
// budget. Words are never cut, so a piece can run past budget until the
// next whitespace.
func splitBySentence(text string, budget int) []string {
	var pieces []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		atBoundary := r == '.' || r == '!' || r == '?' || r == '\n'
		if atBoundary && (cur.Len() >= budget*3/4) {
			flush()
			continue
		}
		if cur.Len() >= budget && unicode.IsSpace(r) {
			flush()
		}
	}
	flush()
	if len(pieces) == 0 {
		pieces = []string{text}
	}
	return pieces
}

// averageVectors computes the element-wise mean of N same-length vectors.
func averageVectors(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		for i, x := range v {
			if i < dim {
				sum[i] += float64(x)
			}
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vecs)))
	}
	return out
}
