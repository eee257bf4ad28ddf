package clients

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mnemos/internal/memerr"
)

// stubCaller replays scripted (payload, error) pairs and records the last
// call for assertion.
type stubCaller struct {
	raws []json.RawMessage
	errs []error

	calls    int
	lastName string
	lastArgs map[string]any
}

func (s *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	i := s.calls
	s.calls++
	s.lastName = name
	s.lastArgs = args

	var raw json.RawMessage
	if i < len(s.raws) {
		raw = s.raws[i]
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return raw, err
}

func TestStoreVector(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"id":"mem-1","table":"memories"}`),
	}}
	db := NewDB(c, zap.NewNop())

	id, err := db.StoreVector(context.Background(), "memories", "mem-1", "content", []float32{0.1}, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", id)
	assert.Equal(t, "db_store_vector", c.lastName)
	assert.Equal(t, "memories", c.lastArgs["table"])
	assert.Equal(t, "content", c.lastArgs["content"])
}

func TestStoreVectorRejected(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":false,"error":"content and vector are required","error_type":"ValidationError"}`),
	}}
	db := NewDB(c, zap.NewNop())

	_, err := db.StoreVector(context.Background(), "memories", "", "", nil, nil)
	require.Error(t, err)
	assert.True(t, memerr.IsKind(err, memerr.KindStoreUnavailable))
	assert.Contains(t, err.Error(), "content and vector are required")
}

func TestSearchVectorsRetriesTransientFailure(t *testing.T) {
	c := &stubCaller{
		raws: []json.RawMessage{
			nil,
			json.RawMessage(`{"success":true,"results":[{"id":"a","content":"hello","similarity":0.91,"metadata":{"user_id":"u1"}}],"count":1}`),
		},
		errs: []error{errors.New("connection reset"), nil},
	}
	db := NewDB(c, zap.NewNop())

	hits, err := db.SearchVectors(context.Background(), "memories", []float32{0.1, 0.2}, 5, 0.3, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 0.91, hits[0].Similarity, 1e-9)
	assert.Equal(t, 2, c.calls, "first failure retried once")
}

func TestSearchVectorsGivesUp(t *testing.T) {
	boom := errors.New("peer down")
	c := &stubCaller{errs: []error{boom, boom, boom}}
	db := NewDB(c, zap.NewNop())

	_, err := db.SearchVectors(context.Background(), "memories", []float32{0.1}, 5, 0, nil)
	require.Error(t, err)
	assert.True(t, memerr.IsKind(err, memerr.KindStoreUnavailable))
	assert.Equal(t, 3, c.calls, "three attempts, then give up")
}

func TestQueryRows(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"rows":[[42,"ivfflat"]]}`),
	}}
	db := NewDB(c, zap.NewNop())

	rows, err := db.Query(context.Background(), "SELECT COUNT(*), 'ivfflat' FROM memories")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(42), rows[0][0])
	assert.Equal(t, "ivfflat", rows[0][1])
}

func TestDescribeTable(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{json.RawMessage(`{
		"success": true,
		"table": "memories",
		"columns": [{"name":"id","type":"text","nullable":false},{"name":"embedding","type":"USER-DEFINED","nullable":true}],
		"indexes": [{"name":"idx_memories_embedding","definition":"CREATE INDEX ... ivfflat ..."}],
		"row_count": 1234
	}`)}}
	db := NewDB(c, zap.NewNop())

	info, err := db.DescribeTable(context.Background(), "memories")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), info.RowCount)
	require.Len(t, info.Columns, 2)
	assert.Equal(t, "embedding", info.Columns[1].Name)
	require.Len(t, info.Indexes, 1)
}

func TestDescribeTableNotFound(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":false,"error":"Table ghosts not found","error_type":"NotFoundError"}`),
	}}
	db := NewDB(c, zap.NewNop())

	_, err := db.DescribeTable(context.Background(), "ghosts")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestDeleteVectors(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"deleted":2,"requested":3}`),
	}}
	db := NewDB(c, zap.NewNop())

	deleted, err := db.DeleteVectors(context.Background(), "memories", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestUpdateMetadataMissingRecord(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":false,"id":"x","message":"Record not found"}`),
	}}
	db := NewDB(c, zap.NewNop())

	err := db.UpdateMetadata(context.Background(), "memories", "x", map[string]any{"archived": true}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Record not found")
}

func TestGenerateEmbedding(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"embedding":[0.1,0.2,0.3],"dimension":3}`),
	}}
	rag := NewRAG(c, zap.NewNop())

	vec, err := rag.GenerateEmbedding(context.Background(), "hello", "bge-m3")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, "rag_generate_embedding", c.lastName)
}

func TestGenerateEmbeddingEmpty(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"embedding":[]}`),
	}}
	rag := NewRAG(c, zap.NewNop())

	_, err := rag.GenerateEmbedding(context.Background(), "hello", "bge-m3")
	require.Error(t, err)
	assert.True(t, memerr.IsKind(err, memerr.KindEmbeddingUnavailable))
}

func TestSaveDocument(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"success":true,"document_id":"mem-1"}`),
	}}
	rag := NewRAG(c, zap.NewNop())

	err := rag.SaveDocument(context.Background(), "content", "u1_personals", "mem-1", map[string]any{"memory_type": "personal/identity/name"})
	require.NoError(t, err)
	assert.Equal(t, "rag_save_document", c.lastName)
	assert.Equal(t, "u1_personals", c.lastArgs["namespace"])
}

func TestGenerateCompletion(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"status":"success","text":"안녕하세요!","inference_time":0.42}`),
	}}
	m := NewModel(c, zap.NewNop())

	text, err := m.GenerateCompletion(context.Background(), "인사해줘", "EXAONE-3.5-2.4B-Instruct", 0.7, 500)
	require.NoError(t, err)
	assert.Equal(t, "안녕하세요!", text)
	assert.Equal(t, "generate_completion", c.lastName)
	assert.Equal(t, 0.7, c.lastArgs["temperature"])
}

func TestGenerateCompletionFailure(t *testing.T) {
	c := &stubCaller{raws: []json.RawMessage{
		json.RawMessage(`{"status":"error","message":"AIS server communication error"}`),
	}}
	m := NewModel(c, zap.NewNop())

	_, err := m.GenerateCompletion(context.Background(), "p", "m", 0.7, 100)
	require.Error(t, err)
	assert.True(t, memerr.IsKind(err, memerr.KindCompletionUnavailable))
}
