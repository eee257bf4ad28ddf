package clients

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mnemos/internal/config"
	"mnemos/internal/memerr"
)

// Caller is the slice of Transport the typed wrappers consume.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// ErrTableNotFound reports that a described table does not exist. Callers
// provision missing tables, so this is control flow rather than a failure.
var ErrTableNotFound = errors.New("table not found")

// envelope is the success/error wrapper the db and rag services put around
// every tool payload.
type envelope struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (e envelope) failure() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return "downstream reported failure"
}

// withRetry retries transient transport failures on idempotent reads: three
// attempts, exponential backoff from one second. Writes never go through
// here; a write that timed out may still have landed.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// =============================================================================
// VECTOR DATABASE
// =============================================================================

// DB wraps the vector-database peer's tools.
type DB struct {
	c   Caller
	log *zap.Logger
}

// NewDB wraps c as the vector-database service.
func NewDB(c Caller, log *zap.Logger) *DB {
	return &DB{c: c, log: log.Named("db")}
}

// VectorHit is one raw row from a vector search, before retrieval enriches
// it into a SearchHit.
type VectorHit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Similarity float64        `json:"similarity"`
}

// StoreVector upserts one embedded record. Returns the record id, which the
// peer generates when id is empty.
func (d *DB) StoreVector(ctx context.Context, table, id, content string, vector []float32, metadata map[string]any) (string, error) {
	const op = "clients.StoreVector"

	raw, err := d.c.CallTool(ctx, "db_store_vector", map[string]any{
		"table":    table,
		"content":  content,
		"vector":   vector,
		"metadata": metadata,
		"id":       id,
	})
	if err != nil {
		return "", memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out struct {
		envelope
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return "", memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return out.ID, nil
}

// SearchVectors runs an ANN search. Idempotent, so transient transport
// failures are retried.
func (d *DB) SearchVectors(ctx context.Context, table string, queryVector []float32, limit int, threshold float64, filters map[string]any) ([]VectorHit, error) {
	const op = "clients.SearchVectors"

	args := map[string]any{
		"table":                table,
		"query_vector":         queryVector,
		"limit":                limit,
		"similarity_threshold": threshold,
	}
	if len(filters) > 0 {
		args["filters"] = filters
	}

	var raw json.RawMessage
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = d.c.CallTool(ctx, "db_search_vectors", args)
		return err
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out struct {
		envelope
		Results []VectorHit `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return out.Results, nil
}

// Query runs raw SQL on the peer. Used for maintenance DDL and statistics;
// never retried because statements may not be idempotent.
func (d *DB) Query(ctx context.Context, query string, params ...any) ([][]any, error) {
	const op = "clients.Query"

	args := map[string]any{"query": query}
	if len(params) > 0 {
		args["params"] = params
	}

	raw, err := d.c.CallTool(ctx, "db_query", args)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out struct {
		envelope
		Rows [][]any `json:"rows"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return out.Rows, nil
}

// TableColumn describes one column of a described table.
type TableColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableIndex describes one index of a described table.
type TableIndex struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TableInfo is the schema and row count of one table.
type TableInfo struct {
	Table    string        `json:"table"`
	Columns  []TableColumn `json:"columns"`
	Indexes  []TableIndex  `json:"indexes"`
	RowCount int64         `json:"row_count"`
}

// DescribeTable fetches schema and statistics for table. A missing table
// returns ErrTableNotFound.
func (d *DB) DescribeTable(ctx context.Context, table string) (*TableInfo, error) {
	const op = "clients.DescribeTable"

	var raw json.RawMessage
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = d.c.CallTool(ctx, "db_describe_table", map[string]any{"table_name": table})
		return err
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out struct {
		envelope
		TableInfo
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		if out.ErrorType == "NotFoundError" {
			return nil, ErrTableNotFound
		}
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	info := out.TableInfo
	return &info, nil
}

// CreateVectorTable creates table with an embedding column of the given
// dimension plus any additional columns.
func (d *DB) CreateVectorTable(ctx context.Context, table string, dimension int, additionalColumns map[string]string) error {
	const op = "clients.CreateVectorTable"

	args := map[string]any{
		"table_name": table,
		"dimension":  dimension,
	}
	if len(additionalColumns) > 0 {
		args["additional_columns"] = additionalColumns
	}

	raw, err := d.c.CallTool(ctx, "db_create_vector_table", args)
	if err != nil {
		return memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return nil
}

// DeleteVectors removes records by id and returns how many were deleted.
func (d *DB) DeleteVectors(ctx context.Context, table string, ids []string) (int, error) {
	const op = "clients.DeleteVectors"

	raw, err := d.c.CallTool(ctx, "db_delete_vectors", map[string]any{
		"table": table,
		"ids":   ids,
	})
	if err != nil {
		return 0, memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out struct {
		envelope
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return 0, memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return out.Deleted, nil
}

// UpdateMetadata patches one record's metadata. With merge the peer folds
// the patch into existing metadata instead of replacing it.
func (d *DB) UpdateMetadata(ctx context.Context, table, id string, metadata map[string]any, merge bool) error {
	const op = "clients.UpdateMetadata"

	raw, err := d.c.CallTool(ctx, "db_update_metadata", map[string]any{
		"table":    table,
		"id":       id,
		"metadata": metadata,
		"merge":    merge,
	})
	if err != nil {
		return memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return nil
}

// =============================================================================
// RAG INDEXER
// =============================================================================

// RAG wraps the retrieval-index peer's tools.
type RAG struct {
	c   Caller
	log *zap.Logger
}

// NewRAG wraps c as the RAG service.
func NewRAG(c Caller, log *zap.Logger) *RAG {
	return &RAG{c: c, log: log.Named("rag")}
}

// GenerateEmbedding embeds text with the named model. Idempotent, so
// transient transport failures are retried.
func (r *RAG) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	const op = "clients.GenerateEmbedding"

	var raw json.RawMessage
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = r.c.CallTool(ctx, "rag_generate_embedding", map[string]any{
			"text":  text,
			"model": model,
		})
		return err
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindEmbeddingUnavailable, op, err)
	}

	var out struct {
		envelope
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return nil, memerr.New(memerr.KindEmbeddingUnavailable, op, "%s", out.failure())
	}
	if len(out.Embedding) == 0 {
		return nil, memerr.New(memerr.KindEmbeddingUnavailable, op, "empty embedding")
	}
	return out.Embedding, nil
}

// SaveDocument indexes content in the RAG store under namespace.
func (r *RAG) SaveDocument(ctx context.Context, content, namespace, documentID string, metadata map[string]any) error {
	const op = "clients.SaveDocument"

	args := map[string]any{
		"content":   content,
		"namespace": namespace,
	}
	if documentID != "" {
		args["document_id"] = documentID
	}
	if len(metadata) > 0 {
		args["metadata"] = metadata
	}

	raw, err := r.c.CallTool(ctx, "rag_save_document", args)
	if err != nil {
		return memerr.Wrap(memerr.KindStoreUnavailable, op, err)
	}

	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return memerr.Wrap(memerr.KindInternal, op, err)
	}
	if !out.Success {
		return memerr.New(memerr.KindStoreUnavailable, op, "%s", out.failure())
	}
	return nil
}

// =============================================================================
// MODEL SERVER
// =============================================================================

// Model wraps the completion peer. Its envelope differs from the others:
// status strings instead of a success flag.
type Model struct {
	c   Caller
	log *zap.Logger
}

// NewModel wraps c as the model service.
func NewModel(c Caller, log *zap.Logger) *Model {
	return &Model{c: c, log: log.Named("model")}
}

// GenerateCompletion produces a completion for prompt.
func (m *Model) GenerateCompletion(ctx context.Context, prompt, model string, temperature float64, maxTokens int) (string, error) {
	const op = "clients.GenerateCompletion"

	raw, err := m.c.CallTool(ctx, "generate_completion", map[string]any{
		"prompt":      prompt,
		"model":       model,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	})
	if err != nil {
		return "", memerr.Wrap(memerr.KindCompletionUnavailable, op, err)
	}

	var out struct {
		Status  string `json:"status"`
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", memerr.Wrap(memerr.KindInternal, op, err)
	}
	if out.Status != "success" {
		msg := out.Message
		if msg == "" {
			msg = "model reported failure"
		}
		return "", memerr.New(memerr.KindCompletionUnavailable, op, "%s", msg)
	}
	return out.Text, nil
}

// =============================================================================
// SERVICE SET
// =============================================================================

// Set bundles the three downstream peers behind one connect and close.
type Set struct {
	DB    *DB
	RAG   *RAG
	Model *Model

	transports []*Transport
}

// NewSet builds transports and wrappers for every configured peer.
func NewSet(cfg *config.Config, log *zap.Logger) *Set {
	dbT := NewTransport("db", cfg.Downstream.DBURL, cfg.GetDBTimeout(), log)
	ragT := NewTransport("rag", cfg.Downstream.RAGURL, cfg.GetRAGTimeout(), log)
	modelT := NewTransport("model", cfg.Downstream.ModelURL, cfg.GetModelTimeout(), log)

	return &Set{
		DB:         NewDB(dbT, log),
		RAG:        NewRAG(ragT, log),
		Model:      NewModel(modelT, log),
		transports: []*Transport{dbT, ragT, modelT},
	}
}

// Connect brings up every peer concurrently, failing on the first error.
func (s *Set) Connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.transports {
		g.Go(func() error { return t.Connect(ctx) })
	}
	return g.Wait()
}

// Close tears down every peer.
func (s *Set) Close() {
	for _, t := range s.transports {
		t.Close()
	}
}

// Healthy reports whether every downstream stream is currently live.
func (s *Set) Healthy() bool {
	for _, t := range s.transports {
		if !t.IsConnected() {
			return false
		}
	}
	return true
}
