package http

import (
	"chronos_server/core/domain"
	"chronos_server/core/service/sync"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// Webhook Handler - Google Calendar push notifications
// =============================================================================

type WebhookHandler struct {
	dispatcher *sync.WebhookDispatcher
	log        zerolog.Logger
}

func NewWebhookHandler(dispatcher *sync.WebhookDispatcher, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		log:        log.With().Str("handler", "webhook").Logger(),
	}
}

// Register registers webhook routes. These are called by Google without
// authentication; the channel token is the only credential.
func (h *WebhookHandler) Register(app fiber.Router) {
	app.Post("/webhook/google-calendar", h.GoogleCalendar)
}

// GoogleCalendar handles one push notification. Unknown channels are
// acknowledged so Google stops retrying stale registrations.
func (h *WebhookHandler) GoogleCalendar(c *fiber.Ctx) error {
	channelID := c.Get("X-Goog-Channel-Id")
	channelToken := c.Get("X-Goog-Channel-Token")
	resourceState := c.Get("X-Goog-Resource-State")

	err := h.dispatcher.HandleNotification(c.UserContext(), channelID, channelToken, resourceState)
	if err != nil {
		switch {
		case domain.IsKind(err, domain.ErrBadRequest):
			return ErrorResponse(c, fiber.StatusBadRequest, "missing channel id")
		case domain.IsKind(err, domain.ErrAuth):
			h.log.Warn().Str("channel_id", channelID).Msg("webhook token mismatch")
			return ErrorResponse(c, fiber.StatusUnauthorized, "channel token mismatch")
		default:
			return err
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
