package vectorstore

import (
	"context"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	err := s.Upsert(context.Background(), []Chunk{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: Payload{PaperID: 1, Text: "alpha"}},
		{ID: "b", Vector: []float32{0.9, 0.1, 0}, Payload: Payload{PaperID: 2, Text: "beta"}},
		{ID: "c", Vector: []float32{0, 1, 0}, Payload: Payload{PaperID: 2, Text: "gamma"}},
		{ID: "d", Vector: []float32{0, 0, 1}, Payload: Payload{PaperID: 3, Text: "delta"}},
	})
	require.NoError(t, err)
	return s
}

func TestMemoryStoreSearchOrdersByScore(t *testing.T) {
	s := seedMemoryStore(t)

	results, err := s.Search(context.Background(), []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestMemoryStoreSearchOptions(t *testing.T) {
	s := seedMemoryStore(t)
	ctx := context.Background()

	results, err := s.Search(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)

	results, err = s.Search(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10, PaperIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, int64(2), r.Payload.PaperID)
	}

	results, err = s.Search(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10, MinScore: 0.5})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryStoreDimensionMismatch(t *testing.T) {
	s := seedMemoryStore(t)
	_, err := s.Search(context.Background(), []float32{1, 0}, SearchOptions{Limit: 10})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryStoreDeleteByPaper(t *testing.T) {
	s := seedMemoryStore(t)
	require.NoError(t, s.DeleteByPaper(context.Background(), 2))
	assert.Equal(t, 2, s.Len())

	results, err := s.Search(context.Background(), []float32{0, 1, 0}, SearchOptions{Limit: 10, PaperIDs: []int64{2}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPayloadRoundTripThroughQdrantValues(t *testing.T) {
	p := Payload{
		Text:       "Attention is computed as softmax(QK^T)V.",
		Page:       4,
		Section:    "Methods",
		Title:      "Attention Is All You Need",
		Filename:   "attention.pdf",
		Authors:    "Vaswani, Shazeer",
		PaperID:    7,
		ChunkIndex: 12,
	}
	assert.Equal(t, p, decodePayload(encodePayload(p)))
}

func TestDecodePayloadLenientTypes(t *testing.T) {
	payload := map[string]*qdrant.Value{
		fieldPaperID: qdrant.NewValueDouble(9),
		fieldAuthors: qdrant.NewValueList(&qdrant.ListValue{Values: []*qdrant.Value{
			qdrant.NewValueString("Ada"),
			qdrant.NewValueString("Grace"),
		}}),
	}

	p := decodePayload(payload)
	assert.Equal(t, int64(9), p.PaperID)
	assert.Equal(t, "Ada, Grace", p.Authors)
	assert.Empty(t, p.Title)
	assert.Equal(t, Payload{}, decodePayload(nil))
}

func TestPaperFilter(t *testing.T) {
	assert.Nil(t, paperFilter(nil))
	assert.Len(t, paperFilter([]int64{1}).GetMust(), 1)
	assert.Len(t, paperFilter([]int64{1, 2}).GetMust(), 1)
}

func TestPointID(t *testing.T) {
	assert.Equal(t, "42", pointID(qdrant.NewIDNum(42)))
	assert.Equal(t, "5f1e7b52-1b2e-4c1d-9b1a-2c3d4e5f6a7b", pointID(qdrant.NewIDUUID("5f1e7b52-1b2e-4c1d-9b1a-2c3d4e5f6a7b")))
	assert.Empty(t, pointID(nil))
}
