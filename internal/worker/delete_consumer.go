package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/middleware"
)

// DeleteConsumer consumes document deletion requests.
type DeleteConsumer struct {
	deleter index.Deleter
}

func NewDeleteConsumer(deleter index.Deleter) *DeleteConsumer {
	return &DeleteConsumer{deleter: deleter}
}

func (h *DeleteConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload DeleteDocumentPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.DocumentID == "" {
		slog.Error("poison pill: delete request without document id")
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := h.deleter.Delete(ctx, payload.DocumentID, payload.ChunkCount)
	if err != nil {
		slog.ErrorContext(ctx, "document deletion failed",
			"error", err, "document_id", payload.DocumentID)
		return err // Retry
	}

	slog.InfoContext(ctx, "document deleted",
		"document_id", payload.DocumentID, "chunks_deleted", deleted)
	return nil
}
