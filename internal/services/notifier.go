package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/clients/redis"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/sse"
	"github.com/pagemark/pagemark-backend/internal/types"
)

// Notifier emits realtime progress events. Events go to the local SSE
// hub and, when a bus is configured, to Redis so any replica can serve
// the stream.
type Notifier interface {
	StickerReady(userID, fileID uuid.UUID, page int, stickers []*types.Sticker)
	StickerFailed(userID, fileID uuid.UUID, page int, reason string)
	SessionPageCompleted(sessionID uuid.UUID, page, stickerCount, completedPages, totalPages int)
	SessionPageFailed(sessionID uuid.UUID, page int, reason string)
	SessionWindowUpdated(sessionID uuid.UUID, windowStart, windowEnd int, canceledPages, newPages []int)
	SessionFinished(sessionID uuid.UUID, state string)
	ContextProgress(userID uuid.UUID, pdfHash, state string, currentBatch, totalBatches, entriesInserted int)
}

type notifier struct {
	log *logger.Logger
	hub *sse.Hub
	bus redis.ProgressBus
}

func NewNotifier(log *logger.Logger, hub *sse.Hub, bus redis.ProgressBus) Notifier {
	return &notifier{
		log: log.With("service", "Notifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *notifier) emit(msg sse.Message) {
	if n == nil {
		return
	}
	if n.bus != nil {
		// The forwarder echoes bus messages back into the local hub.
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("progress bus publish failed; delivering locally", "event", msg.Event, "error", err)
			if n.hub != nil {
				n.hub.Broadcast(msg)
			}
		}
		return
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}

func (n *notifier) StickerReady(userID, fileID uuid.UUID, page int, stickers []*types.Sticker) {
	if userID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.UserChannel(userID),
		Event:   sse.EventStickerReady,
		Data: map[string]any{
			"file_id":  fileID,
			"page":     page,
			"stickers": stickers,
		},
	})
}

func (n *notifier) StickerFailed(userID, fileID uuid.UUID, page int, reason string) {
	if userID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.UserChannel(userID),
		Event:   sse.EventStickerFailed,
		Data: map[string]any{
			"file_id": fileID,
			"page":    page,
			"error":   reason,
		},
	})
}

func (n *notifier) SessionPageCompleted(sessionID uuid.UUID, page, stickerCount, completedPages, totalPages int) {
	if sessionID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.SessionChannel(sessionID),
		Event:   sse.EventSessionPageDone,
		Data: map[string]any{
			"session_id":      sessionID,
			"page":            page,
			"sticker_count":   stickerCount,
			"completed_pages": completedPages,
			"total_pages":     totalPages,
		},
	})
}

func (n *notifier) SessionPageFailed(sessionID uuid.UUID, page int, reason string) {
	if sessionID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.SessionChannel(sessionID),
		Event:   sse.EventSessionPageFailed,
		Data: map[string]any{
			"session_id": sessionID,
			"page":       page,
			"error":      reason,
		},
	})
}

func (n *notifier) SessionWindowUpdated(sessionID uuid.UUID, windowStart, windowEnd int, canceledPages, newPages []int) {
	if sessionID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.SessionChannel(sessionID),
		Event:   sse.EventSessionUpdated,
		Data: map[string]any{
			"session_id":     sessionID,
			"window_start":   windowStart,
			"window_end":     windowEnd,
			"canceled_pages": canceledPages,
			"new_pages":      newPages,
		},
	})
}

func (n *notifier) SessionFinished(sessionID uuid.UUID, state string) {
	if sessionID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.SessionChannel(sessionID),
		Event:   sse.EventSessionFinished,
		Data: map[string]any{
			"session_id": sessionID,
			"state":      state,
		},
	})
}

func (n *notifier) ContextProgress(userID uuid.UUID, pdfHash, state string, currentBatch, totalBatches, entriesInserted int) {
	if userID == uuid.Nil {
		return
	}
	n.emit(sse.Message{
		Channel: sse.UserChannel(userID),
		Event:   sse.EventContextProgress,
		Data: map[string]any{
			"pdf_hash":         pdfHash,
			"state":            state,
			"current_batch":    currentBatch,
			"total_batches":    totalBatches,
			"entries_inserted": entriesInserted,
		},
	})
}
