package http

import (
	"bufio"
	"context"

	"chronos_server/core/domain"
	"chronos_server/core/service/sync"
	"chronos_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// Sync Handler - SSE stream over the per-user orchestrator
// =============================================================================

type SyncHandler struct {
	orchestrator *sync.Orchestrator
	log          zerolog.Logger
}

func NewSyncHandler(orchestrator *sync.Orchestrator, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		log:          log.With().Str("handler", "sync").Logger(),
	}
}

// Register registers sync routes.
func (h *SyncHandler) Register(app fiber.Router) {
	app.Get("/sync", h.Stream)
}

// Stream runs a sync for the user's calendars and streams progress as
// named SSE events. Rate-limit and validation failures are rejected as
// plain JSON before the stream starts.
func (h *SyncHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}
	calendarIDs := GetCalendarIDs(c)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.orchestrator.SyncUser(ctx, userID, calendarIDs)
	if err != nil {
		cancel()
		return AppErrorResponse(c, err)
	}

	h.log.Info().
		Str("user_id", userID).
		Int("calendars_requested", len(calendarIDs)).
		Msg("sync stream opened")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer h.log.Info().Str("user_id", userID).Msg("sync stream closed")

		for item := range stream {
			if item.Type == domain.StreamKeepAlive {
				w.WriteString(": keep-alive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
				continue
			}

			data, err := json.Marshal(item)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to serialize stream item")
				continue
			}
			w.WriteString("event: ")
			w.WriteString(string(item.Type))
			w.WriteString("\ndata: ")
			w.Write(data)
			w.WriteString("\n\n")
			if err := w.Flush(); err != nil {
				// Client went away; cancel() stops the workers.
				return
			}
		}
	})

	return nil
}
