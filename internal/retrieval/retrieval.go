// Package retrieval is the project-scoped retrieval surface (C11): semantic
// search over the conv_* collections a project resolves to, optionally
// time-windowed and time-decay rescored, plus the recency/timeline/filter
// views built on the same resolved collection set.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/resolver"
	"github.com/selfreflect/engine/internal/vectorstore"
)

// Service wires the vector store and embedding provider behind the
// retrieval operations (§4.11).
type Service struct {
	Store    *vectorstore.Store
	Embedder embedding.Provider
	Logger   *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

const (
	defaultLimit    = 5
	defaultMinScore = 0.7
	defaultAlpha    = 0.5
	defaultHalfLife = 90 * 24 * time.Hour
)

// DecayOptions configures the time-decay rescoring of Reflect. A zero value
// of Alpha/HalfLife falls back to the documented defaults (α=0.5, H=90d).
type DecayOptions struct {
	Enabled  bool
	Alpha    float64
	HalfLife time.Duration
}

func (d DecayOptions) normalized() DecayOptions {
	if d.Alpha == 0 {
		d.Alpha = defaultAlpha
	}
	if d.HalfLife == 0 {
		d.HalfLife = defaultHalfLife
	}
	return d
}

// ReflectOptions bounds one Reflect call (§4.11).
type ReflectOptions struct {
	Project   string
	Limit     int
	// MinScore is nil when unset, so it defaults to defaultMinScore; an
	// explicit &0 (no threshold, return everything) is honored as-is — a
	// plain float32 can't distinguish "unset" from "explicitly zero."
	MinScore  *float32
	TimeRange *TimeRange
	Decay     DecayOptions
}

// Hit is one ranked retrieval result, carrying the collection it came from
// and both the raw vector-similarity score and the post-decay final score.
type Hit struct {
	Collection string
	ID         uint64
	Score      float32
	Final      float32
	Payload    map[string]any
}

// resolveCollections turns an optional project query into the conv_*
// collections it names, defaulting to every conv_* collection when project
// is empty (§4.10's "all" rule, reused as the no-project default).
func (s *Service) resolveCollections(ctx context.Context, projectQuery string) ([]string, error) {
	all, err := s.Store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	q := projectQuery
	if q == "" {
		q = "all"
	}
	return resolver.Collections(q, all), nil
}

func timeRangeFilter(tr *TimeRange) *vectorstore.Filter {
	if tr == nil {
		return nil
	}
	start := float64(tr.Start.Unix())
	end := float64(tr.End.Unix())
	return &vectorstore.Filter{
		Must: []vectorstore.Condition{
			{Key: "timestamp_unix", Range: &vectorstore.RangeValue{Gte: &start, Lt: &end}},
		},
	}
}

// Reflect performs project-scoped semantic search with optional time
// filtering and time-decay rescoring (§4.11 Reflect).
func (s *Service) Reflect(ctx context.Context, query string, opts ReflectOptions, now time.Time) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	minScore := float32(defaultMinScore)
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}

	collections, err := s.resolveCollections(ctx, opts.Project)
	if err != nil {
		return nil, err
	}

	vectors, err := s.Embedder.Embed(ctx, embedding.KindQuery, []string{query})
	if err != nil {
		return nil, domain.Wrap("retrieval.Reflect", query, domain.ErrProviderTransient)
	}
	if err := embedding.Validate(vectors, 1, s.Embedder.Dimension()); err != nil {
		return nil, err
	}
	v := vectors[0]

	filter := timeRangeFilter(opts.TimeRange)

	var merged []Hit
	for _, name := range collections {
		hits, err := s.Store.Search(ctx, name, v, limit, filter, &minScore)
		if err != nil {
			s.logger().Warn("retrieval: search failed for collection", "error", err, "collection", name)
			continue
		}
		for _, h := range hits {
			merged = append(merged, Hit{Collection: name, ID: h.ID, Score: h.Score, Final: h.Score, Payload: h.Payload})
		}
	}

	decay := opts.Decay.normalized()
	if opts.Decay.Enabled {
		for i := range merged {
			merged[i].Final = decayScore(merged[i].Score, merged[i].Payload, now, decay)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Final > merged[j].Final })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// decayScore applies final = score * (α + (1-α) * exp(-age_days/H)) using
// the chunk's "timestamp" payload field; a missing or unparsable timestamp
// leaves the score undecayed rather than failing the whole query.
func decayScore(score float32, payload map[string]any, now time.Time, d DecayOptions) float32 {
	ts, ok := payload["timestamp"].(string)
	if !ok {
		return score
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return score
	}
	ageDays := now.Sub(t).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLifeDays := d.HalfLife.Hours() / 24
	factor := d.Alpha + (1-d.Alpha)*math.Exp(-ageDays/halfLifeDays)
	return float32(float64(score) * factor)
}

// RecentWork is one GetRecentWork result.
type RecentWork struct {
	Collection string
	Payload    map[string]any
	Timestamp  time.Time
}

// GetRecentWork scrolls every resolved collection ordered by timestamp
// descending and merges the pages by timestamp (§4.11).
func (s *Service) GetRecentWork(ctx context.Context, projectQuery string, limit int) ([]RecentWork, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	collections, err := s.resolveCollections(ctx, projectQuery)
	if err != nil {
		return nil, err
	}

	var all []RecentWork
	orderBy := &vectorstore.OrderBy{Key: "timestamp_unix", Direction: "desc"}
	for _, name := range collections {
		page, err := s.Store.Scroll(ctx, name, nil, orderBy, limit, 0, false)
		if err != nil {
			s.logger().Warn("retrieval: scroll failed for collection", "error", err, "collection", name)
			continue
		}
		for _, p := range page.Points {
			all = append(all, RecentWork{Collection: name, Payload: p.Payload, Timestamp: payloadTimestamp(p.Payload)})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func payloadTimestamp(payload map[string]any) time.Time {
	ts, ok := payload["timestamp"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TimelineBucket is one client-side-bucketed slice of Timeline.
type TimelineBucket struct {
	BucketStart time.Time
	Count       int
}

// Timeline scrolls every resolved collection within time_range and buckets
// the results client-side by granularity (§4.11).
func (s *Service) Timeline(ctx context.Context, tr TimeRange, granularity string, projectQuery string) ([]TimelineBucket, error) {
	step, err := granularityStep(granularity)
	if err != nil {
		return nil, err
	}

	collections, err := s.resolveCollections(ctx, projectQuery)
	if err != nil {
		return nil, err
	}

	filter := timeRangeFilter(&tr)
	counts := make(map[int64]int)
	for _, name := range collections {
		var offset uint64
		hasOffset := false
		for {
			page, err := s.Store.Scroll(ctx, name, filter, nil, 1000, offset, hasOffset)
			if err != nil {
				s.logger().Warn("retrieval: timeline scroll failed", "error", err, "collection", name)
				break
			}
			for _, p := range page.Points {
				ts := payloadTimestamp(p.Payload)
				if ts.IsZero() {
					continue
				}
				bucket := ts.Truncate(step).Unix()
				counts[bucket]++
			}
			if !page.HasMore {
				break
			}
			offset = page.Cursor
			hasOffset = true
		}
	}

	out := make([]TimelineBucket, 0, len(counts))
	for bucket, count := range counts {
		out = append(out, TimelineBucket{BucketStart: time.Unix(bucket, 0).UTC(), Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func granularityStep(g string) (time.Duration, error) {
	switch g {
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, domain.Wrap("retrieval.Timeline", fmt.Sprintf("unknown granularity %q", g), domain.ErrBadRequest)
	}
}

// SearchByFile scrolls for chunks whose files_analyzed or files_edited
// arrays contain an entry matching the substring fileSubstr (§4.11).
func (s *Service) SearchByFile(ctx context.Context, fileSubstr, projectQuery string, limit int) ([]Hit, error) {
	return s.scrollByArrayContains(ctx, projectQuery, limit, fileSubstr, "files_analyzed", "files_edited")
}

// SearchByConcept scrolls for chunks whose concepts array contains an entry
// matching concept (§4.11).
func (s *Service) SearchByConcept(ctx context.Context, concept, projectQuery string, limit int) ([]Hit, error) {
	return s.scrollByArrayContains(ctx, projectQuery, limit, concept, "concepts")
}

func (s *Service) scrollByArrayContains(ctx context.Context, projectQuery string, limit int, needle string, fields ...string) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	collections, err := s.resolveCollections(ctx, projectQuery)
	if err != nil {
		return nil, err
	}

	needle = strings.ToLower(needle)
	var out []Hit
	for _, name := range collections {
		var offset uint64
		hasOffset := false
		for len(out) < limit {
			page, err := s.Store.Scroll(ctx, name, nil, nil, 1000, offset, hasOffset)
			if err != nil {
				s.logger().Warn("retrieval: scroll failed for collection", "error", err, "collection", name)
				break
			}
			for _, p := range page.Points {
				if arrayFieldContains(p.Payload, needle, fields...) {
					out = append(out, Hit{Collection: name, ID: p.ID, Payload: p.Payload})
					if len(out) >= limit {
						break
					}
				}
			}
			if !page.HasMore || len(out) >= limit {
				break
			}
			offset = page.Cursor
			hasOffset = true
		}
	}
	return out, nil
}

func arrayFieldContains(payload map[string]any, needle string, fields ...string) bool {
	for _, field := range fields {
		items, ok := payload[field].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(s), needle) {
				return true
			}
		}
	}
	return false
}
