// Package retrieval answers similarity queries against the downstream vector
// store. The engine keeps each table's embedding column aligned with the
// active model's dimension, embeds query text, selects ANN probe counts from
// the caller's optimization target and the table's size, and returns scoped
// hits in a deterministic order.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/clients"
	"mnemos/internal/embedding"
	"mnemos/internal/memerr"
	"mnemos/internal/types"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Embedder turns query text into a vector. The RAG client satisfies this.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error)
}

// RowCounter reports the approximate size of a table. The index optimizer
// implements it from cached statistics; probe selection falls back to the
// smallest tier when the count is unavailable.
type RowCounter interface {
	RowCount(ctx context.Context, table string) (int64, error)
}

// IndexBuilder builds the vector index after the engine provisions a table.
type IndexBuilder interface {
	BuildVectorIndex(ctx context.Context, table string) error
}

// AccessTracker observes which memories each search returned. The local store
// implements it to feed the maintenance sweep's usage statistics.
type AccessTracker interface {
	RecordSearch(ctx context.Context, userID string, memoryIDs []string) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Optimization targets for Search. Anything else falls back to balanced.
const (
	OptimizeSpeed    = "speed"
	OptimizeBalanced = "balanced"
	OptimizeAccuracy = "accuracy"
)

// Options wires an Engine. DB, Embedder and Dimensions are required; the rest
// default to conservative behavior when nil or zero.
type Options struct {
	DB         *clients.DB
	Embedder   Embedder
	Dimensions *embedding.Resolver

	Rows    RowCounter    // nil assumes small tables
	Indexer IndexBuilder  // nil leaves the basic vector index from table creation
	Tracker AccessTracker // nil disables access tracking

	Model            string  // embedding model for queries and provisioning
	DefaultTable     string  // collection searched when a request names none
	DefaultLimit     int     // result cap when a request passes none
	DefaultThreshold float64 // minimum similarity when a request passes zero
}

// Engine is the retrieval pipeline: provision, embed, tune, search, decode.
type Engine struct {
	db      *clients.DB
	embed   Embedder
	dims    *embedding.Resolver
	rows    RowCounter
	indexer IndexBuilder
	tracker AccessTracker
	log     *zap.Logger

	model        string
	defaultTable string

	// Search defaults are hot-reloadable, so they live behind atomics like
	// manualProbes. The threshold is stored as float bits.
	defaultLimit     atomic.Int32
	defaultThreshold atomic.Uint64

	mu       sync.Mutex     // guards verified
	verified map[string]int // table -> dimension confirmed against the live schema

	// provision serializes destructive re-provisioning: concurrent searches
	// must not race a DROP TABLE.
	provision sync.Mutex

	manualProbes atomic.Int32 // SetSearchParams override; 0 means automatic
}

// NewEngine builds an Engine from opts.
func NewEngine(opts Options, log *zap.Logger) *Engine {
	if opts.Model == "" {
		opts.Model = "bge-m3"
	}
	if opts.DefaultTable == "" {
		opts.DefaultTable = "memories"
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}

	e := &Engine{
		db:           opts.DB,
		embed:        opts.Embedder,
		dims:         opts.Dimensions,
		rows:         opts.Rows,
		indexer:      opts.Indexer,
		tracker:      opts.Tracker,
		log:          log.Named("retrieval"),
		model:        opts.Model,
		defaultTable: opts.DefaultTable,
		verified:     make(map[string]int),
	}
	e.defaultLimit.Store(int32(opts.DefaultLimit))
	e.defaultThreshold.Store(math.Float64bits(opts.DefaultThreshold))
	return e
}

// Retune adjusts the search defaults live. A non-positive limit or an
// out-of-range threshold leaves the current value in place.
func (e *Engine) Retune(limit int, threshold float64) {
	if limit > 0 {
		e.defaultLimit.Store(int32(limit))
	}
	if threshold >= 0 && threshold <= 1 {
		e.defaultThreshold.Store(math.Float64bits(threshold))
	}
}

// Model returns the embedding model the engine queries with.
func (e *Engine) Model() string { return e.model }

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Request scopes one similarity search. UserID is mandatory: every search is
// hard-filtered to its owner.
type Request struct {
	Table       string
	Query       string
	UserID      string
	Filters     map[string]any // =, $in, $gte, $lte over metadata fields
	Limit       int
	Threshold   float64 // minimum similarity; 0 applies the engine default, negative disables
	OptimizeFor string  // speed | balanced | accuracy
}

// Result carries ordered hits plus the performance record callers surface in
// their actions_taken bookkeeping.
type Result struct {
	Hits        []types.SearchHit       `json:"results"`
	Performance types.SearchPerformance `json:"performance"`
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// TABLE PROVISIONING
// =============================================================================

// EnsureTable verifies that table exists with the active embedding model's
// dimension, re-creating it destructively on drift. Rows with mismatched
// embeddings are dropped; embeddings are regenerable from content. Returns
// the verified dimension.
func (e *Engine) EnsureTable(ctx context.Context, table string) (int, error) {
	const op = "retrieval.EnsureTable"

	if !identPattern.MatchString(table) {
		return 0, memerr.New(memerr.KindValidation, op, "invalid table name %q", table)
	}
	want := e.dims.Dimension(ctx, e.model)

	e.mu.Lock()
	got, ok := e.verified[table]
	e.mu.Unlock()
	if ok && got == want {
		return want, nil
	}

	e.provision.Lock()
	defer e.provision.Unlock()

	// Another request may have provisioned while we waited.
	e.mu.Lock()
	got, ok = e.verified[table]
	e.mu.Unlock()
	if ok && got == want {
		return want, nil
	}

	current, info, err := e.tableDimension(ctx, table)
	if err != nil {
		return 0, err
	}
	if info != nil && current == want {
		e.remember(table, want)
		return want, nil
	}

	if info != nil {
		e.log.Warn("embedding dimension drift, re-creating table",
			zap.String("table", table),
			zap.Int("have", current),
			zap.Int("want", want),
			zap.Int64("rows_dropped", info.RowCount))
		if _, err := e.db.Query(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return 0, err
		}
	}
	if err := e.createTable(ctx, table, want); err != nil {
		return 0, err
	}
	e.remember(table, want)
	return want, nil
}

// EnsureDimension verifies table can hold vec, re-provisioning once when the
// live schema disagrees with the vector actually produced. A disagreement
// that survives re-provisioning surfaces as a dimension mismatch.
func (e *Engine) EnsureDimension(ctx context.Context, table string, vec []float32) error {
	const op = "retrieval.EnsureDimension"

	dim, err := e.EnsureTable(ctx, table)
	if err != nil {
		return err
	}
	if len(vec) == dim {
		return nil
	}

	// The resolver's guess was stale; trust the vector we actually got.
	e.log.Warn("embedding dimension differs from resolver",
		zap.String("model", e.model),
		zap.Int("resolved", dim),
		zap.Int("actual", len(vec)))
	e.dims.Override(e.model, len(vec))
	e.forget(table)

	dim, err = e.EnsureTable(ctx, table)
	if err != nil {
		return err
	}
	if len(vec) != dim {
		return memerr.New(memerr.KindDimensionMismatch, op,
			"vector length %d does not match table dimension %d", len(vec), dim)
	}
	return nil
}

func (e *Engine) remember(table string, dim int) {
	e.mu.Lock()
	e.verified[table] = dim
	e.mu.Unlock()
}

func (e *Engine) forget(table string) {
	e.mu.Lock()
	delete(e.verified, table)
	e.mu.Unlock()
}

// tableDimension reads the declared dimension of table's embedding column.
// Info is nil when the table does not exist; dimension 0 with non-nil info
// means the table exists but cannot hold vectors and must be re-created.
func (e *Engine) tableDimension(ctx context.Context, table string) (int, *clients.TableInfo, error) {
	info, err := e.db.DescribeTable(ctx, table)
	if errors.Is(err, clients.ErrTableNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	// pgvector records the dimension in the column's type modifier, offset by
	// the 4-byte varlena header.
	rows, err := e.db.Query(ctx,
		`SELECT pg_attribute.atttypmod
		   FROM pg_attribute
		   JOIN pg_class ON pg_class.oid = pg_attribute.attrelid
		  WHERE pg_class.relname = $1 AND pg_attribute.attname = 'embedding'`,
		table)
	if err != nil {
		return 0, info, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, info, nil
	}
	mod, ok := rows[0][0].(float64)
	if !ok || int(mod) <= 4 {
		return 0, info, nil
	}
	return int(mod) - 4, info, nil
}

// createTable provisions a fresh memory table: schema and plain indexes
// first, the vector index last.
func (e *Engine) createTable(ctx context.Context, table string, dim int) error {
	extra := map[string]string{
		"user_id":     "TEXT",
		"session_id":  "TEXT",
		"memory_type": "TEXT",
		"importance":  "REAL",
	}
	if err := e.db.CreateVectorTable(ctx, table, dim, extra); err != nil {
		return err
	}

	for _, ddl := range []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at DESC)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s (user_id)", table, table),
	} {
		if _, err := e.db.Query(ctx, ddl); err != nil {
			e.log.Warn("index creation failed", zap.String("table", table), zap.Error(err))
		}
	}

	if e.indexer != nil {
		if err := e.indexer.BuildVectorIndex(ctx, table); err != nil {
			e.log.Warn("vector index build failed, basic index remains",
				zap.String("table", table), zap.Error(err))
		}
	}

	e.log.Info("provisioned vector table",
		zap.String("table", table), zap.Int("dimension", dim))
	return nil
}

// =============================================================================
// SEARCH
// =============================================================================

// Search embeds the query and runs a scoped nearest-neighbor pass. Equality
// predicates apply natively in the vector store; operator predicates filter
// after the ANN pass, so the engine over-fetches to keep the trimmed result
// set full. No re-ranking happens here.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	const op = "retrieval.Search"
	start := time.Now()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "query is required")
	}

	table := req.Table
	if table == "" {
		table = e.defaultTable
	}
	mode := normalizeMode(req.OptimizeFor)
	limit := req.Limit
	if limit <= 0 {
		limit = int(e.defaultLimit.Load())
	}
	threshold := req.Threshold
	switch {
	case threshold == 0:
		threshold = math.Float64frombits(e.defaultThreshold.Load())
	case threshold < 0:
		threshold = 0
	}

	eq, ops, err := splitFilters(req.Filters)
	if err != nil {
		return nil, err
	}
	eq["user_id"] = req.UserID

	vec, err := e.embed.GenerateEmbedding(ctx, req.Query, e.model)
	if err != nil {
		return nil, err
	}
	if err := e.EnsureDimension(ctx, table, vec); err != nil {
		return nil, err
	}

	probes := e.probesFor(ctx, table, mode)
	if probes > 0 {
		// SET LOCAL is transaction-scoped downstream; outside one it is a
		// no-op and the store's own default stays in effect.
		if _, err := e.db.Query(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes)); err != nil {
			e.log.Debug("probe tuning unavailable", zap.Error(err))
		}
	}

	fetch := limit
	if len(ops) > 0 {
		fetch = overFetch(limit)
	}
	raw, err := e.db.SearchVectors(ctx, table, vec, fetch, threshold, eq)
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchHit, 0, len(raw))
	for _, r := range raw {
		hit := decodeHit(r)
		if !matchesAll(hit, ops) {
			continue
		}
		hits = append(hits, hit)
	}
	orderHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	if e.tracker != nil && len(hits) > 0 {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		if err := e.tracker.RecordSearch(ctx, req.UserID, ids); err != nil {
			e.log.Debug("access tracking failed", zap.Error(err))
		}
	}

	return &Result{
		Hits: hits,
		Performance: types.SearchPerformance{
			DurationMs:  float64(time.Since(start).Microseconds()) / 1000.0,
			Probes:      probes,
			OptimizeFor: mode,
		},
	}, nil
}

func normalizeMode(mode string) string {
	switch mode {
	case OptimizeSpeed, OptimizeAccuracy:
		return mode
	default:
		return OptimizeBalanced
	}
}

func (e *Engine) probesFor(ctx context.Context, table, mode string) int {
	if p := e.manualProbes.Load(); p > 0 {
		return int(p)
	}
	var rows int64
	if e.rows != nil {
		n, err := e.rows.RowCount(ctx, table)
		if err != nil {
			e.log.Debug("row count unavailable, assuming small table", zap.Error(err))
		} else {
			rows = n
		}
	}
	return probeCount(mode, rows)
}

// probeCount maps the optimization target and table size to IVFFlat probe
// counts. Fewer probes scan fewer lists and return faster at some recall
// cost.
func probeCount(mode string, rows int64) int {
	switch mode {
	case OptimizeSpeed:
		switch {
		case rows < 10_000:
			return 1
		case rows < 100_000:
			return 5
		default:
			return 10
		}
	case OptimizeAccuracy:
		switch {
		case rows < 10_000:
			return 10
		case rows < 100_000:
			return 50
		default:
			return 100
		}
	default:
		switch {
		case rows < 10_000:
			return 5
		case rows < 100_000:
			return 20
		default:
			return 40
		}
	}
}

func overFetch(limit int) int {
	f := limit * 3
	if f < 30 {
		f = 30
	}
	return f
}

// =============================================================================
// FILTER DSL
// =============================================================================

type predicate struct {
	field string
	op    string
	arg   any
}

// splitFilters separates plain equality predicates, which the vector store
// applies natively, from operator predicates, which this layer applies after
// the ANN pass. Keys are processed in sorted order so behavior is
// deterministic.
func splitFilters(filters map[string]any) (map[string]any, []predicate, error) {
	const op = "retrieval.Search"

	eq := make(map[string]any, len(filters)+1)
	var ops []predicate

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !identPattern.MatchString(k) {
			return nil, nil, memerr.New(memerr.KindValidation, op, "invalid filter field %q", k)
		}
		spec, isOp := filters[k].(map[string]any)
		if !isOp {
			eq[k] = filters[k]
			continue
		}

		names := make([]string, 0, len(spec))
		for name := range spec {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			switch name {
			case "$in", "$gte", "$lte":
				ops = append(ops, predicate{field: k, op: name, arg: spec[name]})
			default:
				return nil, nil, memerr.New(memerr.KindValidation, op,
					"unsupported filter operator %q on field %q", name, k)
			}
		}
	}
	return eq, ops, nil
}

func matchesAll(hit types.SearchHit, ops []predicate) bool {
	for _, p := range ops {
		if !matches(hit, p) {
			return false
		}
	}
	return true
}

func matches(hit types.SearchHit, p predicate) bool {
	val := fieldValue(hit, p.field)
	if val == nil {
		return false
	}

	switch p.op {
	case "$in":
		members, ok := p.arg.([]any)
		if !ok {
			if ss, ok := p.arg.([]string); ok {
				for _, s := range ss {
					members = append(members, s)
				}
			} else {
				return false
			}
		}
		want := fmt.Sprint(val)
		for _, m := range members {
			if fmt.Sprint(m) == want {
				return true
			}
		}
		return false
	case "$gte":
		have, ok1 := toFloat(val)
		bound, ok2 := toFloat(p.arg)
		return ok1 && ok2 && have >= bound
	case "$lte":
		have, ok1 := toFloat(val)
		bound, ok2 := toFloat(p.arg)
		return ok1 && ok2 && have <= bound
	}
	return false
}

func fieldValue(hit types.SearchHit, field string) any {
	switch field {
	case "importance":
		return hit.Importance
	case "memory_type":
		return hit.MemoryType
	case "session_id":
		return hit.SessionID
	case "user_id":
		return hit.UserID
	default:
		return hit.Metadata[field]
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// =============================================================================
// HIT DECODING
// =============================================================================

// decodeHit lifts a raw row into a SearchHit: scoping fields and importance
// come out of metadata, keywords and entities tolerate being stored as JSON
// strings, and similarity is clamped to [0, 1].
func decodeHit(r clients.VectorHit) types.SearchHit {
	hit := types.SearchHit{
		ID:         r.ID,
		Content:    r.Content,
		Metadata:   r.Metadata,
		Similarity: clamp01(r.Similarity),
	}
	md := r.Metadata
	if md == nil {
		return hit
	}

	hit.UserID = stringField(md, "user_id")
	hit.SessionID = stringField(md, "session_id")
	hit.MemoryType = stringField(md, "memory_type")
	if f, ok := toFloat(md["importance"]); ok {
		hit.Importance = f
	}
	hit.Keywords = stringsField(md, "keywords")
	hit.Entities = entitiesField(md, "entities")
	if ts := stringField(md, "timestamp"); ts != "" {
		hit.CreatedAt = parseTimestamp(ts)
	} else if ts := stringField(md, "created_at"); ts != "" {
		hit.CreatedAt = parseTimestamp(ts)
	}
	return hit
}

// orderHits applies the presentation order: similarity, then importance, then
// recency, all descending.
func orderHits(hits []types.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].Importance != hits[j].Importance {
			return hits[i].Importance > hits[j].Importance
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func stringField(md map[string]any, key string) string {
	s, _ := md[key].(string)
	return s
}

func stringsField(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if json.Unmarshal([]byte(v), &out) == nil {
			return out
		}
		return nil
	default:
		return nil
	}
}

func entitiesField(md map[string]any, key string) []types.Entity {
	v, ok := md[key]
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		var out []types.Entity
		if json.Unmarshal([]byte(s), &out) == nil {
			return out
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []types.Entity
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// =============================================================================
// SEARCH PARAMETER OVERRIDES
// =============================================================================

// SetSearchParams overrides ANN search parameters manually. Probes apply to
// every subsequent search until changed; ef_search is forwarded to the store
// for HNSW-indexed tables. Zero leaves a parameter untouched.
func (e *Engine) SetSearchParams(ctx context.Context, probes, efSearch int) error {
	const op = "retrieval.SetSearchParams"

	if probes == 0 && efSearch == 0 {
		return memerr.New(memerr.KindValidation, op, "nothing to set")
	}
	if probes != 0 && (probes < 1 || probes > 1000) {
		return memerr.New(memerr.KindValidation, op, "probes %d outside [1, 1000]", probes)
	}
	if efSearch != 0 && (efSearch < 10 || efSearch > 500) {
		return memerr.New(memerr.KindValidation, op, "ef_search %d outside [10, 500]", efSearch)
	}

	if probes != 0 {
		if _, err := e.db.Query(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
			return err
		}
		e.manualProbes.Store(int32(probes))
		e.log.Info("search probes overridden", zap.Int("probes", probes))
	}
	if efSearch != 0 {
		if _, err := e.db.Query(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", efSearch)); err != nil {
			return err
		}
		e.log.Info("ef_search overridden", zap.Int("ef_search", efSearch))
	}
	return nil
}
