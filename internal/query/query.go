// Package query implements the query pipeline (C17): the state machine
// that wires governors, cache, hybrid retrieval, reranking, compression,
// generation, confidence scoring, suggestion, and audit logging into one
// request path, per §4.17:
//
//	START → GOVERN → CACHE_LOOKUP
//	  ├─ HIT  → RESPOND
//	  └─ MISS → RETRIEVE → [empty? → GROUNDED_EMPTY → RESPOND]
//	            → RERANK → COMPRESS → GENERATE
//	            → SCORE → SUGGEST → CACHE_POPULATE
//	            → GOVERN_RECONCILE → AUDIT → RESPOND
//
// Every step short of a fatal dependency failure still reaches RESPOND,
// AUDIT, and token reconciliation, per the degraded-response rules in §7.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"ragengine/internal/audit"
	"ragengine/internal/compress"
	"ragengine/internal/confidence"
	"ragengine/internal/config"
	"ragengine/internal/errs"
	"ragengine/internal/llmclient"
	"ragengine/internal/quota"
	"ragengine/internal/ratelimit"
	"ragengine/internal/rerank"
	"ragengine/internal/respcache"
	"ragengine/internal/retrieval"
	"ragengine/internal/store"
	"ragengine/internal/suggest"
	"ragengine/internal/tenant"
)

// groundedEmptyAnswer is returned when neither retriever surfaces anything:
// a well-formed answer that states absence of supporting content rather
// than fabricating one.
const groundedEmptyAnswer = "I don't have any ingested content that addresses this question."

// Options is the closed set of per-query overrides from §6.
type Options struct {
	SessionID    string
	TopK         int
	DocScope     []string
	EnableRerank bool
	EnableCache  bool
	Stream       bool
}

// Source is one chunk that grounded the answer.
type Source struct {
	DocID   string  `json:"doc_id"`
	ChunkID string  `json:"chunk_id"`
	Page    int     `json:"page"`
	Score   float64 `json:"score"`
}

// Confidence mirrors confidence.Result in the wire-facing shape §6 names.
type Confidence struct {
	Level confidence.Level `json:"level"`
	Score float64          `json:"score"`
}

// Result is the external §6 QueryResult.
type Result struct {
	Answer      string     `json:"answer"`
	Sources     []Source   `json:"sources"`
	Confidence  Confidence `json:"confidence"`
	Suggestions []string   `json:"suggestions"`
	CacheHit    bool       `json:"cache_hit"`
	TokensUsed  int64      `json:"tokens_used"`
	LatencyMS   int64      `json:"latency_ms"`
	Degraded    bool       `json:"-"`
	RequestID   string     `json:"-"`
	TokensIn    int64      `json:"-"`
	TokensOut   int64      `json:"-"`
}

// StreamEvent is one element of the lazy, non-restartable token sequence
// produced for opts.Stream=true: either an answer token or, on the last
// event, the terminal payload carrying sources/confidence/suggestions.
type StreamEvent struct {
	Token string
	Final *Result
}

// Pipeline wires every component C17 depends on.
type Pipeline struct {
	governor   *quota.Governor
	limiter    *ratelimit.Limiter
	cache      *respcache.ResponseCache
	retriever  *retrieval.Retriever
	reranker   *rerank.Reranker
	relational store.RelationalStore
	llm        *llmclient.Client
	suggestGen suggest.Generator
	logger     *audit.Logger
	cfg        config.Config

	greetings map[string]bool
	enc       *tiktoken.Tiktoken

	now func() time.Time
}

// New constructs the query pipeline. suggestGen may be nil, in which case
// suggestions always fall through to suggest.Fallback.
func New(
	governor *quota.Governor,
	limiter *ratelimit.Limiter,
	cache *respcache.ResponseCache,
	retriever *retrieval.Retriever,
	reranker *rerank.Reranker,
	relational store.RelationalStore,
	llm *llmclient.Client,
	suggestGen suggest.Generator,
	logger *audit.Logger,
	cfg config.Config,
) (*Pipeline, error) {
	enc, err := tiktoken.GetEncoding(cfg.Chunk.TokenizerID)
	if err != nil {
		return nil, fmt.Errorf("query: load tokenizer %q: %w", cfg.Chunk.TokenizerID, err)
	}
	greetings := make(map[string]bool, len(cfg.Greetings))
	for _, g := range cfg.Greetings {
		greetings[normalize(g)] = true
	}
	return &Pipeline{
		governor:   governor,
		limiter:    limiter,
		cache:      cache,
		retriever:  retriever,
		reranker:   reranker,
		relational: relational,
		llm:        llm,
		suggestGen: suggestGen,
		logger:     logger,
		cfg:        cfg,
		greetings:  greetings,
		enc:        enc,
		now:        time.Now,
	}, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (p *Pipeline) tokenCount(s string) int64 {
	return int64(len(p.enc.Encode(s, nil, nil)))
}

// Query runs one request through the C17 state machine.
func (p *Pipeline) Query(ctx context.Context, tc tenant.Context, question string, opts Options) (Result, error) {
	start := p.now()
	tenantID := string(tc.Tenant)
	requestID := tc.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	normalized := normalize(question)

	// START: a greeting short-circuits before any governor/cache/retrieval
	// work other than the RPM bucket, per §4.17.
	if p.greetings[normalized] {
		if _, err := p.limiter.Admit(tenantID, 1); err != nil {
			return Result{}, err.(*errs.Error).WithRequestID(requestID)
		}
		result := Result{
			Answer:     "Hello! Ask me anything about your ingested documents.",
			Sources:    []Source{},
			Confidence: Confidence{Level: confidence.High, Score: 1},
			Suggestions: []string{
				"What documents have been ingested?",
				"What can you help me find?",
				"How do I upload a new document?",
			},
			RequestID: requestID,
			LatencyMS: p.now().Sub(start).Milliseconds(),
		}
		p.audit(ctx, tc, requestID, question, result, start)
		return result, nil
	}

	// GOVERN.
	if err := p.governor.TryConsume(tenantID, quota.Queries, 1); err != nil {
		return Result{}, withRequestID(err, requestID)
	}
	estimated := int(p.cfg.LLM.EstimatedTokenCost)
	reservation, err := p.limiter.Admit(tenantID, estimated)
	if err != nil {
		return Result{}, withRequestID(err, requestID)
	}

	docScope := sortedScope(opts.DocScope)
	enableCache := opts.EnableCache
	key := respcache.Fingerprint(tenantID, normalized, docScope, p.cfg.PipelineVersion)

	// CACHE_LOOKUP.
	if enableCache {
		if raw, hit, cacheErr := p.cache.Get(ctx, tenantID, key); cacheErr == nil && hit {
			result := decodeResult(raw)
			result.CacheHit = true
			result.RequestID = requestID
			result.LatencyMS = p.now().Sub(start).Milliseconds()
			reservation.Reconcile(0)
			p.audit(ctx, tc, requestID, question, result, start)
			return result, nil
		}
	}

	build := func() ([]byte, error) {
		result := p.runPipeline(ctx, tenantID, normalized, question, opts, docScope)
		return encodeResult(result), nil
	}

	var raw []byte
	var cacheHit bool
	if enableCache {
		raw, cacheHit, err = p.cache.GetOrBuild(ctx, tenantID, key, build)
	} else {
		raw, err = build()
	}
	if err != nil {
		return Result{}, withRequestID(err, requestID)
	}

	result := decodeResult(raw)
	result.CacheHit = cacheHit
	result.RequestID = requestID

	// GOVERN_RECONCILE. Quota's daily token counter reflects real
	// generation cost, so it is only charged by whichever caller actually
	// ran the pipeline (cacheHit == false); a shared cache hit reconciles
	// its own rate-limit reservation against zero real work.
	reconcileTokens := result.TokensUsed
	if cacheHit {
		reconcileTokens = 0
	} else if !result.Degraded {
		_ = p.governor.TryConsume(tenantID, quota.Tokens, result.TokensUsed)
	}
	reservation.Reconcile(int(reconcileTokens))

	result.LatencyMS = p.now().Sub(start).Milliseconds()
	p.audit(ctx, tc, requestID, question, result, start)
	return result, nil
}

// QueryStream runs the full pipeline synchronously, then replays the
// answer as a lazy, non-restartable sequence of tokens terminated by the
// full payload, per §9's "async/streaming ... modeled as a lazy finite
// sequence of events".
func (p *Pipeline) QueryStream(ctx context.Context, tc tenant.Context, question string, opts Options) (<-chan StreamEvent, error) {
	result, err := p.Query(ctx, tc, question, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, word := range strings.Fields(result.Answer) {
			select {
			case ch <- StreamEvent{Token: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		final := result
		select {
		case ch <- StreamEvent{Final: &final}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// runPipeline executes RETRIEVE through SUGGEST and returns the payload
// CACHE_POPULATE stores. It never returns an error: every dependency
// failure degrades deterministically into a Result per §7, since a build
// error would never be cached (respcache.GetOrBuild's contract) and we
// want GROUNDED_EMPTY and degraded-LLM responses to be cacheable.
func (p *Pipeline) runPipeline(ctx context.Context, tenantID, normalized, question string, opts Options, docScope []string) Result {
	hits, degradedEmbedding, err := p.retriever.Retrieve(ctx, tenantID, normalized)
	if err != nil {
		return Result{
			Answer:     "Retrieval is temporarily unavailable; please retry.",
			Sources:    []Source{},
			Confidence: Confidence{Level: confidence.None},
			Degraded:   true,
		}
	}

	hits = filterByScope(hits, docScope, p.chunkDocIDs(ctx, tenantID, hits))
	if limit := topKLimit(opts.TopK, p.cfg.Retrieval.KFused); limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	if len(hits) == 0 {
		return Result{
			Answer:      groundedEmptyAnswer,
			Sources:     []Source{},
			Confidence:  Confidence{Level: confidence.None},
			Suggestions: []string{},
		}
	}

	chunkIDs := make([]string, len(hits))
	for i, h := range hits {
		chunkIDs[i] = h.ChunkID
	}
	records, err := p.relational.GetChunksByID(ctx, tenantID, chunkIDs)
	if err != nil || len(records) == 0 {
		return Result{
			Answer:      groundedEmptyAnswer,
			Sources:     []Source{},
			Confidence:  Confidence{Level: confidence.None},
			Suggestions: []string{},
		}
	}
	byID := make(map[string]store.ChunkRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	candidateText := make(map[string]string, len(hits))
	for _, h := range hits {
		candidateText[h.ChunkID] = byID[h.ChunkID].Text
	}

	// RERANK.
	var scored []rerank.Scored
	if opts.EnableRerank {
		scored, err = p.reranker.Rerank(ctx, question, hits, candidateText)
	}
	if !opts.EnableRerank || err != nil || len(scored) == 0 {
		scored = fusedAsScored(hits)
	}

	// COMPRESS.
	candidates := make([]compress.Candidate, 0, len(scored))
	for _, s := range scored {
		rec, ok := byID[s.ChunkID]
		if !ok {
			continue
		}
		candidates = append(candidates, compress.Candidate{
			ChunkID: rec.ID, DocID: rec.DocumentID, Page: rec.Page, Text: rec.Text, Score: s.Score,
		})
	}
	selected, err := compress.Compress(candidates, p.cfg.Context.BudgetTokens, p.cfg.Chunk.TokenizerID)
	if err != nil {
		selected = nil
	}

	sources := make([]Source, len(selected))
	for i, s := range selected {
		sources[i] = Source{DocID: s.DocID, ChunkID: s.ChunkID, Page: s.Page, Score: s.Score}
	}

	var tokensIn int64
	for _, s := range selected {
		tokensIn += p.tokenCount(s.Text)
	}
	tokensIn += p.tokenCount(question)

	// GENERATE.
	answer, genErr := p.llm.Answer(ctx, tenantID, question, selected)
	if genErr != nil {
		return Result{
			Answer:      degradedAnswer(selected),
			Sources:     sources,
			Confidence:  Confidence{Level: confidence.None},
			Suggestions: suggest.Fallback(question, selected),
			TokensUsed:  tokensIn,
			TokensIn:    tokensIn,
			TokensOut:   0,
			Degraded:    true,
		}
	}

	// SCORE.
	conf := confidence.Score(answer, scored, selected, p.cfg.Confidence)
	if degradedEmbedding && levelRank(conf.Level) > levelRank(confidence.Low) {
		conf.Level = confidence.Low
	}

	// SUGGEST.
	suggestions := suggest.Suggest(ctx, p.suggestGen, question, answer, selected)

	tokensOut := p.tokenCount(answer)

	return Result{
		Answer:      answer,
		Sources:     sources,
		Confidence:  Confidence{Level: conf.Level, Score: conf.Score},
		Suggestions: suggestions,
		TokensUsed:  tokensIn + tokensOut,
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
	}
}

func (p *Pipeline) chunkDocIDs(ctx context.Context, tenantID string, hits []retrieval.Hit) map[string]string {
	if len(hits) == 0 {
		return nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	records, err := p.relational.GetChunksByID(ctx, tenantID, ids)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.ID] = r.DocumentID
	}
	return out
}

func filterByScope(hits []retrieval.Hit, scope []string, chunkDoc map[string]string) []retrieval.Hit {
	if len(scope) == 0 {
		return hits
	}
	allowed := make(map[string]bool, len(scope))
	for _, d := range scope {
		allowed[d] = true
	}
	out := hits[:0:0]
	for _, h := range hits {
		if allowed[chunkDoc[h.ChunkID]] {
			out = append(out, h)
		}
	}
	return out
}

func topKLimit(requested, configured int) int {
	if requested > 0 && requested < configured {
		return requested
	}
	return configured
}

func fusedAsScored(hits []retrieval.Hit) []rerank.Scored {
	out := make([]rerank.Scored, len(hits))
	for i, h := range hits {
		out[i] = rerank.Scored{ChunkID: h.ChunkID, Score: h.FusedScore}
	}
	return out
}

func levelRank(l confidence.Level) int {
	switch l {
	case confidence.High:
		return 3
	case confidence.Medium:
		return 2
	case confidence.Low:
		return 1
	default:
		return 0
	}
}

func degradedAnswer(selected []compress.Selected) string {
	var b strings.Builder
	b.WriteString("Unable to synthesize an answer. Here are the most relevant passages found:\n")
	for _, s := range selected {
		fmt.Fprintf(&b, "- [%s p.%d] %s\n", s.ChunkID, s.Page, truncate(s.Text, 280))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortedScope(scope []string) []string {
	if len(scope) == 0 {
		return nil
	}
	out := append([]string(nil), scope...)
	sort.Strings(out)
	return out
}

func withRequestID(err error, requestID string) error {
	if e, ok := err.(*errs.Error); ok {
		return e.WithRequestID(requestID)
	}
	return err
}

// Feedback records user feedback on a prior answer (§4.18, §6). Feedback is
// always writable regardless of whether the original request succeeded,
// degraded, or was served from cache.
func (p *Pipeline) Feedback(ctx context.Context, tenantID, messageID string, rating int, issueTag, note string) error {
	return p.logger.RecordFeedback(ctx, audit.Feedback{
		TenantID:  tenantID,
		RequestID: messageID,
		Rating:    rating,
		IssueTag:  issueTag,
		Note:      note,
	})
}

func (p *Pipeline) audit(ctx context.Context, tc tenant.Context, requestID, question string, result Result, start time.Time) {
	if p.logger == nil {
		return
	}
	chunkIDs := make([]string, len(result.Sources))
	for i, s := range result.Sources {
		chunkIDs[i] = s.ChunkID
	}
	tokensIn, tokensOut := result.TokensIn, result.TokensOut
	if result.CacheHit {
		// A cache hit decodes from the wire payload, which does not carry
		// the in/out split; report the whole cost as output so tokens_out
		// stays nonzero for a served answer, 0 for a cached degraded one.
		tokensIn, tokensOut = 0, result.TokensUsed
		if result.Degraded {
			tokensOut = 0
		}
	}
	_ = p.logger.Log(ctx, audit.Entry{
		TenantID:   string(tc.Tenant),
		User:       tc.User,
		RequestID:  requestID,
		Question:   question,
		Answer:     result.Answer,
		Confidence: result.Confidence.Score,
		ChunkIDs:   chunkIDs,
		CacheHit:   result.CacheHit,
		Degraded:   result.Degraded,
		Latency:    p.now().Sub(start),
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
	})
}

type wireResult struct {
	Answer      string     `json:"answer"`
	Sources     []Source   `json:"sources"`
	Confidence  Confidence `json:"confidence"`
	Suggestions []string   `json:"suggestions"`
	TokensUsed  int64      `json:"tokens_used"`
	Degraded    bool       `json:"degraded"`
}

func encodeResult(r Result) []byte {
	b, err := json.Marshal(wireResult{
		Answer: r.Answer, Sources: r.Sources, Confidence: r.Confidence,
		Suggestions: r.Suggestions, TokensUsed: r.TokensUsed, Degraded: r.Degraded,
	})
	if err != nil {
		panic(fmt.Sprintf("query: encode result: %v", err))
	}
	return b
}

func decodeResult(raw []byte) Result {
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{Answer: groundedEmptyAnswer, Confidence: Confidence{Level: confidence.None}}
	}
	return Result{
		Answer: w.Answer, Sources: w.Sources, Confidence: w.Confidence,
		Suggestions: w.Suggestions, TokensUsed: w.TokensUsed, Degraded: w.Degraded,
	}
}
