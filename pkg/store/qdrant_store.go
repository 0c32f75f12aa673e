package store

import (
	"context"
	"fmt"
	"strings"

	qpb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const scrollPageSize = 256

// QdrantStore reads embeddings from a remote qdrant instance over gRPC.
// Each model run maps to its own collection named <prefix><run_id>; point
// ids are the clip ids.
type QdrantStore struct {
	points           qpb.PointsClient
	collectionPrefix string
	logger           *zap.Logger
}

// NewQdrantStore wraps an established gRPC connection to qdrant.
func NewQdrantStore(conn grpc.ClientConnInterface, collectionPrefix string, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantStore{
		points:           qpb.NewPointsClient(conn),
		collectionPrefix: collectionPrefix,
		logger:           logger,
	}
}

func (s *QdrantStore) collectionFor(modelRunID string) string {
	return s.collectionPrefix + modelRunID
}

// FetchVectors implements EmbeddingStore via a point Get. Clips without a
// stored point are absent from the result.
func (s *QdrantStore) FetchVectors(ctx context.Context, modelRunID string, clipIDs []string) (map[string][]float32, error) {
	ids := make([]*qpb.PointId, len(clipIDs))
	for i, clipID := range clipIDs {
		ids[i] = &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: clipID}}
	}

	resp, err := s.points.Get(ctx, &qpb.GetPoints{
		CollectionName: s.collectionFor(modelRunID),
		Ids:            ids,
		WithVectors: &qpb.WithVectorsSelector{
			SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get points: %w", err)
	}

	out := make(map[string][]float32, len(resp.Result))
	for _, point := range resp.Result {
		clipID := point.GetId().GetUuid()
		vec := point.GetVectors().GetVector().GetData()
		if clipID == "" || len(vec) == 0 {
			continue
		}
		out[clipID] = vec
	}
	return out, nil
}

// ScanPool implements EmbeddingStore with paged Scroll calls. The scan is
// restartable because every call begins at offset zero; qdrant keeps no
// cursor state between calls.
func (s *QdrantStore) ScanPool(ctx context.Context, modelRunID string, scope DatasetScope, fn func(clipID string, vec []float32) error) error {
	collection := s.collectionFor(modelRunID)
	limit := uint32(scrollPageSize)
	var offset *qpb.PointId
	seen := 0

	// Points carry their dataset name in the payload; the dataset scope
	// becomes a server-side filter.
	var filter *qpb.Filter
	if scope.Dataset != "" {
		filter = &qpb.Filter{
			Must: []*qpb.Condition{{
				ConditionOneOf: &qpb.Condition_Field{
					Field: &qpb.FieldCondition{
						Key: "dataset",
						Match: &qpb.Match{
							MatchValue: &qpb.Match_Keyword{Keyword: scope.Dataset},
						},
					},
				},
			}},
		}
	}

	for {
		resp, err := s.points.Scroll(ctx, &qpb.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          &limit,
			Offset:         offset,
			WithVectors: &qpb.WithVectorsSelector{
				SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return fmt.Errorf("qdrant scroll: %w", err)
		}

		for _, point := range resp.Result {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if scope.Limit > 0 && seen >= scope.Limit {
				return nil
			}

			clipID := point.GetId().GetUuid()
			if clipID == "" {
				continue
			}
			if scope.ClipPrefix != "" && !strings.HasPrefix(clipID, scope.ClipPrefix) {
				continue
			}
			vec := point.GetVectors().GetVector().GetData()
			if len(vec) == 0 {
				continue
			}

			if err := fn(clipID, vec); err != nil {
				if err == ErrStopScan {
					return nil
				}
				return err
			}
			seen++
		}

		if resp.NextPageOffset == nil || len(resp.Result) == 0 {
			return nil
		}
		offset = resp.NextPageOffset
	}
}
