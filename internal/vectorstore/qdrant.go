package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollection is the collection holding paper chunks.
const DefaultCollection = "research_papers"

// Payload field names
const (
	fieldText       = "text"
	fieldPage       = "page"
	fieldSection    = "section"
	fieldTitle      = "title"
	fieldFilename   = "filename"
	fieldAuthors    = "authors"
	fieldPaperID    = "paper_id"
	fieldChunkIndex = "chunk_index"
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if collection == "" {
		collection = DefaultCollection
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the chunk collection if it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// Upsert inserts or updates chunks in the collection
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(chunk.ID),
			Vectors: qdrant.NewVectors(chunk.Vector...),
			Payload: encodePayload(chunk.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs similarity search, optionally restricted to a set of papers
func (s *QdrantStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(opts.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(opts.MinScore),
	}
	if filter := paperFilter(opts.PaperIDs); filter != nil {
		query.Filter = filter
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		results = append(results, SearchResult{
			ID:      pointID(point.Id),
			Score:   point.Score,
			Payload: decodePayload(point.Payload),
		})
	}

	return results, nil
}

// DeleteByPaper removes all chunks of a paper
func (s *QdrantStore) DeleteByPaper(ctx context.Context, paperID int64) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatchInt(fieldPaperID, paperID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by paper ID: %w", err)
	}

	return nil
}

func paperFilter(paperIDs []int64) *qdrant.Filter {
	switch len(paperIDs) {
	case 0:
		return nil
	case 1:
		return &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchInt(fieldPaperID, paperIDs[0])},
		}
	default:
		return &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchInts(fieldPaperID, paperIDs...)},
		}
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func encodePayload(p Payload) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		fieldText:       qdrant.NewValueString(p.Text),
		fieldPage:       qdrant.NewValueInt(int64(p.Page)),
		fieldSection:    qdrant.NewValueString(p.Section),
		fieldTitle:      qdrant.NewValueString(p.Title),
		fieldFilename:   qdrant.NewValueString(p.Filename),
		fieldAuthors:    qdrant.NewValueString(p.Authors),
		fieldPaperID:    qdrant.NewValueInt(p.PaperID),
		fieldChunkIndex: qdrant.NewValueInt(int64(p.ChunkIndex)),
	}
}

func decodePayload(payload map[string]*qdrant.Value) Payload {
	var p Payload
	if payload == nil {
		return p
	}
	p.Text = payload[fieldText].GetStringValue()
	p.Page = int(intValue(payload[fieldPage]))
	p.Section = payload[fieldSection].GetStringValue()
	p.Title = payload[fieldTitle].GetStringValue()
	p.Filename = payload[fieldFilename].GetStringValue()
	p.Authors = authorsValue(payload[fieldAuthors])
	p.PaperID = intValue(payload[fieldPaperID])
	p.ChunkIndex = int(intValue(payload[fieldChunkIndex]))
	return p
}

// intValue accepts integers stored as doubles, which happens when payloads are written from JSON.
func intValue(v *qdrant.Value) int64 {
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*qdrant.Value_DoubleValue); ok {
		return int64(v.GetDoubleValue())
	}
	return v.GetIntegerValue()
}

// authorsValue flattens a list of author names into a comma separated string.
func authorsValue(v *qdrant.Value) string {
	if v == nil {
		return ""
	}
	list := v.GetListValue()
	if list == nil {
		return v.GetStringValue()
	}
	out := ""
	for i, item := range list.GetValues() {
		if i > 0 {
			out += ", "
		}
		out += item.GetStringValue()
	}
	return out
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
