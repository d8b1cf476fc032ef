package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/selfreflect/engine/internal/domain"
)

const (
	voyageDimension = 1024
	voyageTag       = "voyage"
	voyageEndpoint  = "https://api.voyageai.com/v1/embeddings"
	voyageMaxPerCall = 128
)

// voyageProvider embeds via the Voyage AI embeddings endpoint.
type voyageProvider struct {
	apiKey string
	deps   ClientDeps
}

func newVoyage(cfg Config, deps ClientDeps) *voyageProvider {
	if deps.HTTP == nil {
		deps = DefaultClientDeps(3, 3)
	}
	return &voyageProvider{apiKey: cfg.VoyageKey, deps: deps}
}

func (v *voyageProvider) Dimension() int { return voyageDimension }
func (v *voyageProvider) Tag() string    { return voyageTag }

type voyageRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed sends batches of up to voyageMaxPerCall texts per call.
func (v *voyageProvider) Embed(ctx context.Context, kind Kind, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	inputType := "document"
	if kind == KindQuery {
		inputType = "query"
	}
	for i := 0; i < len(texts); i += voyageMaxPerCall {
		end := i + voyageMaxPerCall
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := v.rawCall(ctx, texts[i:end], inputType)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (v *voyageProvider) rawCall(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(voyageRequest{Model: "voyage-3", Input: texts, InputType: inputType})
	if err != nil {
		return nil, domain.WrapErr("voyage.Embed", "", err)
	}

	var parsed voyageResponse
	err = v.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		if err := v.deps.Limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, voyageEndpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+v.apiKey)

		resp, err := v.deps.HTTP.Do(req)
		if err != nil {
			return domain.Wrap("voyage.Embed", err.Error(), domain.ErrProviderTransient)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&parsed)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			return domain.Wrap("voyage.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderFatal)
		case resp.StatusCode >= 500:
			return domain.Wrap("voyage.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderTransient)
		default:
			return domain.Wrap("voyage.Embed", fmt.Sprintf("status %d", resp.StatusCode), domain.ErrProviderFatal)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, domain.Wrap("voyage.Embed", fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)), domain.ErrProviderFatal)
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
