// Package search plans and executes retrieval: keyword, semantic, hybrid
// fusion, entity-joined, and the heuristic nlp mode.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/store"
)

const (
	DefaultLimit    = 20
	weightTolerance = 0.01
	defaultMinSim   = 0.5
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

type Planner struct {
	memories      domain.MemoryStore
	entities      domain.EntityStore
	embedder      domain.Embedder
	embedGuard    *resilience.Guard
	cache         domain.Cache
	minSimilarity float64
	logger        *zap.Logger
}

func NewPlanner(memories domain.MemoryStore, entities domain.EntityStore, embedder domain.Embedder, guard *resilience.Guard, c domain.Cache, minSimilarity float64, logger *zap.Logger) *Planner {
	if c == nil {
		c = cache.Noop{}
	}
	if minSimilarity <= 0 {
		minSimilarity = defaultMinSim
	}
	return &Planner{
		memories:      memories,
		entities:      entities,
		embedder:      embedder,
		embedGuard:    guard,
		cache:         c,
		minSimilarity: minSimilarity,
		logger:        logger,
	}
}

// Search validates the request and dispatches by mode. A query that is a
// bare UUID bypasses search entirely.
func (p *Planner) Search(ctx context.Context, rc domain.RequestContext, req domain.SearchRequest) (*domain.SearchResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.Invalidf("search query is empty")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > domain.MaxListLimit {
		return nil, domain.Invalidf("limit must be at most %d", domain.MaxListLimit)
	}
	if req.Offset < 0 {
		return nil, domain.Invalidf("offset must be non-negative")
	}
	if req.Mode == "" {
		req.Mode = domain.SearchHybrid
	}
	if !domain.ValidSearchMode(string(req.Mode)) {
		return nil, domain.Invalidf("unknown search mode %q", req.Mode)
	}
	if req.MinSimilarity <= 0 {
		req.MinSimilarity = p.minSimilarity
	}

	if uuidRe.MatchString(query) {
		return p.directFetch(ctx, rc, query, req)
	}

	if cached, ok := p.cachedResponse(ctx, rc, req); ok {
		return cached, nil
	}

	var (
		resp *domain.SearchResponse
		err  error
	)
	switch req.Mode {
	case domain.SearchKeyword:
		resp, err = p.keyword(ctx, rc, query, req)
	case domain.SearchSemantic:
		resp, err = p.semantic(ctx, rc, query, req)
	case domain.SearchHybrid:
		resp, err = p.hybrid(ctx, rc, query, req)
	case domain.SearchEntity:
		resp, err = p.entity(ctx, rc, query, req)
	case domain.SearchNLP:
		resp, err = p.nlp(ctx, rc, query, req)
	}
	if err != nil {
		return nil, err
	}

	p.storeResponse(ctx, rc, req, resp)
	return resp, nil
}

func (p *Planner) searchCacheKey(rc domain.RequestContext, req domain.SearchRequest) string {
	raw, _ := json.Marshal(req)
	return fmt.Sprintf("%s:%s:%s:%s", cache.Key(cache.KindSearch, string(req.Mode)), rc.TenantID, rc.UserID, cache.TextHash(string(raw)))
}

func (p *Planner) cachedResponse(ctx context.Context, rc domain.RequestContext, req domain.SearchRequest) (*domain.SearchResponse, bool) {
	data, ok := p.cache.Get(ctx, p.searchCacheKey(rc, req))
	if !ok {
		return nil, false
	}
	var resp domain.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (p *Planner) storeResponse(ctx context.Context, rc domain.RequestContext, req domain.SearchRequest, resp *domain.SearchResponse) {
	if data, err := json.Marshal(resp); err == nil {
		p.cache.Set(ctx, p.searchCacheKey(rc, req), data, cache.TTLFor(cache.KindSearch))
	}
}

func (p *Planner) directFetch(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	id, err := uuid.Parse(query)
	if err != nil {
		return nil, domain.Invalidf("malformed id %q", query)
	}

	resp := &domain.SearchResponse{
		Query:      query,
		SearchType: domain.SearchTypeDirect,
		Results:    []domain.SearchResult{},
		Pagination: domain.Pagination{Limit: req.Limit, Offset: req.Offset},
	}
	m, err := p.memories.GetByID(ctx, rc, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return resp, nil
		}
		return nil, err
	}
	resp.Results = append(resp.Results, toResult(domain.ScoredMemory{Memory: *m, Score: 1}, scoreAsScore))
	resp.Count = 1
	return resp, nil
}

func (p *Planner) keyword(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	rows, err := p.memories.KeywordSearch(ctx, rc, query, req.Filters, req.Limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return buildResponse(query, string(domain.SearchKeyword), rows, req, scoreAsScore), nil
}

func (p *Planner) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if p.embedder == nil {
		return nil, domain.UpstreamUnavailable("embedder", errors.New("no embedder configured"))
	}
	var vec []float32
	embed := func(ctx context.Context) error {
		var err error
		vec, err = p.embedder.EmbedQuery(ctx, query)
		return err
	}
	var err error
	if p.embedGuard != nil {
		err = p.embedGuard.Do(ctx, embed)
	} else {
		err = embed(ctx)
	}
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (p *Planner) semantic(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	vec, err := p.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := p.memories.SemanticSearch(ctx, rc, vec, req.MinSimilarity, req.Filters, req.Limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return buildResponse(query, string(domain.SearchSemantic), rows, req, scoreAsSimilarity), nil
}

// hybrid fuses keyword and semantic scores per row. A row present on one
// side only contributes zero from the other. When the semantic side is
// unavailable or empty the keyword results stand alone, tagged
// hybrid-keyword.
func (p *Planner) hybrid(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	wk, ws := req.KeywordWeight, req.SemanticWeight
	if wk == 0 && ws == 0 {
		wk, ws = 0.5, 0.5
	}
	if math.Abs(wk+ws-1) > weightTolerance {
		return nil, domain.Invalidf("keyword and semantic weights must sum to 1, got %.2f", wk+ws)
	}

	// Pull the full window on both sides; pagination applies after fusion.
	window := req.Offset + req.Limit
	kwRows, err := p.memories.KeywordSearch(ctx, rc, query, req.Filters, window, 0)
	if err != nil {
		return nil, fmt.Errorf("hybrid keyword side: %w", err)
	}

	var semRows []domain.ScoredMemory
	vec, err := p.embedQuery(ctx, query)
	if err != nil {
		p.logger.Warn("hybrid search degrading to keyword", zap.Error(err))
	} else {
		semRows, err = p.memories.SemanticSearch(ctx, rc, vec, req.MinSimilarity, req.Filters, window, 0)
		if err != nil {
			return nil, fmt.Errorf("hybrid semantic side: %w", err)
		}
	}

	if len(semRows) == 0 {
		rows := paginate(kwRows, req.Offset, req.Limit)
		resp := buildResponse(query, domain.SearchTypeHybridKeyword, rows, req, scoreAsScore)
		resp.Pagination.HasMore = len(kwRows) > req.Offset+req.Limit
		return resp, nil
	}

	type fused struct {
		row      domain.ScoredMemory
		combined float64
	}
	byID := make(map[uuid.UUID]*fused, len(kwRows)+len(semRows))
	for _, r := range kwRows {
		byID[r.ID] = &fused{row: r, combined: wk * r.Score}
	}
	for _, r := range semRows {
		if f, ok := byID[r.ID]; ok {
			f.combined += ws * r.Score
		} else {
			byID[r.ID] = &fused{row: r, combined: ws * r.Score}
		}
	}

	all := make([]domain.ScoredMemory, 0, len(byID))
	for _, f := range byID {
		f.row.Score = f.combined
		all = append(all, f.row)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	rows := paginate(all, req.Offset, req.Limit)
	resp := buildResponse(query, string(domain.SearchHybrid), rows, req, scoreAsCombined)
	resp.Pagination.HasMore = len(all) > req.Offset+req.Limit
	return resp, nil
}

func (p *Planner) entity(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	ent, err := p.entities.FindByNameOrAlias(ctx, query)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return buildResponse(query, string(domain.SearchEntity), nil, req, scoreAsScore), nil
		}
		return nil, err
	}
	rows, err := p.memories.ByEntity(ctx, rc, ent.ID, req.Limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("entity search: %w", err)
	}
	return buildResponse(query, string(domain.SearchEntity), rows, req, scoreAsScore), nil
}

// nlp pre-parses the query lexically, folds the extracted filters into the
// request, and dispatches to entity or semantic search.
func (p *Planner) nlp(ctx context.Context, rc domain.RequestContext, query string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	parsed := Parse(query, time.Now())

	if len(parsed.Tags) > 0 {
		req.Filters.Tags = domain.UnionTags(req.Filters.Tags, parsed.Tags)
	}
	if parsed.DateFrom != nil && req.Filters.DateFrom == nil {
		req.Filters.DateFrom = parsed.DateFrom
	}
	if parsed.DateTo != nil && req.Filters.DateTo == nil {
		req.Filters.DateTo = parsed.DateTo
	}
	if parsed.TypeHint != "" {
		req.Filters.Tags = domain.UnionTags(req.Filters.Tags, []string{parsed.TypeHint})
	}

	if parsed.EntityHint != "" {
		if _, err := p.entities.FindByNameOrAlias(ctx, parsed.EntityHint); err == nil {
			resp, err := p.entity(ctx, rc, parsed.EntityHint, req)
			if err != nil {
				return nil, err
			}
			resp.Query = query
			resp.SearchType = string(domain.SearchNLP)
			return resp, nil
		}
	}

	residual := parsed.Query
	if residual == "" {
		residual = query
	}
	resp, err := p.semantic(ctx, rc, residual, req)
	if err != nil {
		if domain.IsKind(err, domain.KindUpstreamUnavailable) {
			resp, err = p.keyword(ctx, rc, residual, req)
		}
		if err != nil {
			return nil, err
		}
	}
	resp.Query = query
	resp.SearchType = string(domain.SearchNLP)
	return resp, nil
}

func paginate(rows []domain.ScoredMemory, offset, limit int) []domain.ScoredMemory {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

type scoreField int

const (
	scoreAsScore scoreField = iota
	scoreAsSimilarity
	scoreAsCombined
)

func toResult(sm domain.ScoredMemory, field scoreField) domain.SearchResult {
	r := domain.SearchResult{
		ID:            sm.ID,
		Title:         sm.Title,
		Content:       sm.Content,
		Tags:          sm.Tags,
		CreatedAt:     sm.CreatedAt,
		Visibility:    sm.Visibility,
		CreatedBy:     sm.CreatedBy,
		HasCorrection: sm.HasCorrection,
	}
	if runes := []rune(sm.Content); len(runes) > domain.PreviewLength {
		r.Content = string(runes[:domain.PreviewLength])
		r.ContentTruncated = true
		r.ContentLength = len(runes)
	}
	switch field {
	case scoreAsSimilarity:
		r.Similarity = sm.Score
	case scoreAsCombined:
		r.CombinedScore = sm.Score
	default:
		r.Score = sm.Score
	}
	return r
}

func buildResponse(query, searchType string, rows []domain.ScoredMemory, req domain.SearchRequest, field scoreField) *domain.SearchResponse {
	results := make([]domain.SearchResult, 0, len(rows))
	for _, sm := range rows {
		results = append(results, toResult(sm, field))
	}
	return &domain.SearchResponse{
		Query:      query,
		SearchType: searchType,
		Count:      len(results),
		Results:    results,
		Pagination: domain.Pagination{
			Limit:   req.Limit,
			Offset:  req.Offset,
			HasMore: len(results) == req.Limit,
		},
	}
}
