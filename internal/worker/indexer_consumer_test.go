package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/worker"
)

type MockIndexer struct{ mock.Mock }

func (m *MockIndexer) Index(ctx context.Context, chunks []index.ContentChunk, metadata index.IndexingMetadata) ([]index.InsertionRecord, error) {
	args := m.Called(ctx, chunks, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]index.InsertionRecord), args.Error(1)
}

func (m *MockIndexer) ExistingDocuments(ctx context.Context, chunks []index.ContentChunk) (map[string]struct{}, error) {
	args := m.Called(ctx, chunks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

type MockAncestors struct{ mock.Mock }

func (m *MockAncestors) GetAncestors(ctx context.Context, source, rawParentNodeID string) ([]int64, error) {
	args := m.Called(ctx, source, rawParentNodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

type MockDeleter struct{ mock.Mock }

func (m *MockDeleter) Delete(ctx context.Context, documentID string, chunkCount int) (int, error) {
	args := m.Called(ctx, documentID, chunkCount)
	return args.Int(0), args.Error(1)
}

func message(t *testing.T, payload any) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return nsq.NewMessage(nsq.MessageID{}, body)
}

func TestIndexerConsumer_IndexesBatchWithAncestors(t *testing.T) {
	idx := new(MockIndexer)
	ancestors := new(MockAncestors)
	consumer := worker.NewIndexerConsumer(idx, ancestors)

	ancestors.On("GetAncestors", mock.Anything, "confluence", "folder-raw").
		Return([]int64{3, 2, 1}, nil)

	idx.On("Index", mock.Anything, mock.MatchedBy(func(chunks []index.ContentChunk) bool {
		return len(chunks) == 2 &&
			chunks[0].Metadata["ancestors"] == "3,2,1" &&
			chunks[0].TenantID == "t1"
	}), index.IndexingMetadata{
		ChunkCounts: map[string]index.ChunkCounts{"doc-a": {Previous: 5, New: 2}},
	}).Return([]index.InsertionRecord{{DocumentID: "doc-a", AlreadyExisted: true}}, nil)

	err := consumer.HandleMessage(message(t, worker.ChunkBatchPayload{
		Source:   "confluence",
		TenantID: "t1",
		Documents: []worker.DocumentPayload{{
			DocumentID:         "doc-a",
			RawParentNodeID:    "folder-raw",
			PreviousChunkCount: 5,
			Chunks: []index.ContentChunk{
				{DocumentID: "doc-a", ChunkIndex: 0, Content: "a0"},
				{DocumentID: "doc-a", ChunkIndex: 1, Content: "a1"},
			},
		}},
		CorrelationID: "corr-1",
	}))
	require.NoError(t, err)
	idx.AssertExpectations(t)
	ancestors.AssertExpectations(t)
}

func TestIndexerConsumer_PoisonPillNotRequeued(t *testing.T) {
	idx := new(MockIndexer)
	consumer := worker.NewIndexerConsumer(idx, nil)

	err := consumer.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("{not json")))
	assert.NoError(t, err)
	idx.AssertNotCalled(t, "Index")
}

func TestIndexerConsumer_IndexFailureRequeues(t *testing.T) {
	idx := new(MockIndexer)
	consumer := worker.NewIndexerConsumer(idx, nil)

	idx.On("Index", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("backend unavailable"))

	err := consumer.HandleMessage(message(t, worker.ChunkBatchPayload{
		Source: "confluence",
		Documents: []worker.DocumentPayload{{
			DocumentID: "doc-a",
			Chunks:     []index.ContentChunk{{DocumentID: "doc-a", ChunkIndex: 0}},
		}},
	}))
	require.Error(t, err)
}

func TestIndexerConsumer_AncestorFailureRequeues(t *testing.T) {
	idx := new(MockIndexer)
	ancestors := new(MockAncestors)
	consumer := worker.NewIndexerConsumer(idx, ancestors)

	ancestors.On("GetAncestors", mock.Anything, "confluence", "folder-raw").
		Return(nil, errors.New("redis unavailable"))

	err := consumer.HandleMessage(message(t, worker.ChunkBatchPayload{
		Source: "confluence",
		Documents: []worker.DocumentPayload{{
			DocumentID:      "doc-a",
			RawParentNodeID: "folder-raw",
			Chunks:          []index.ContentChunk{{DocumentID: "doc-a", ChunkIndex: 0}},
		}},
	}))
	require.Error(t, err)
	idx.AssertNotCalled(t, "Index")
}

func TestDeleteConsumer_Deletes(t *testing.T) {
	deleter := new(MockDeleter)
	consumer := worker.NewDeleteConsumer(deleter)

	deleter.On("Delete", mock.Anything, "doc-a", 4).Return(4, nil)

	err := consumer.HandleMessage(message(t, worker.DeleteDocumentPayload{
		DocumentID: "doc-a",
		ChunkCount: 4,
	}))
	require.NoError(t, err)
	deleter.AssertExpectations(t)
}

func TestDeleteConsumer_MissingDocumentIDNotRequeued(t *testing.T) {
	deleter := new(MockDeleter)
	consumer := worker.NewDeleteConsumer(deleter)

	err := consumer.HandleMessage(message(t, worker.DeleteDocumentPayload{}))
	assert.NoError(t, err)
	deleter.AssertNotCalled(t, "Delete")
}
