package http

import (
	"chronos_server/core/service/calendar"
	"chronos_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// Calendar Handler - read-side REST surface
// =============================================================================

type CalendarHandler struct {
	svc *calendar.Service
	log zerolog.Logger
}

func NewCalendarHandler(svc *calendar.Service, log zerolog.Logger) *CalendarHandler {
	return &CalendarHandler{
		svc: svc,
		log: log.With().Str("handler", "calendar").Logger(),
	}
}

// Register registers calendar routes.
func (h *CalendarHandler) Register(app fiber.Router) {
	app.Get("/events", h.QueryEvents)
	app.Get("/accounts", h.ListAccounts)
	app.Get("/calendars", h.ListCalendars)
	app.Get("/sync-status", h.SyncStatus)
	app.Post("/accounts/:id/refresh-calendars", h.RefreshCalendars)
}

// QueryEvents returns the user's stored events, decrypted and grouped into
// {events, masters, exceptions}.
func (h *CalendarHandler) QueryEvents(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}

	res, err := h.svc.QueryDecryptedEvents(c.UserContext(), userID, GetCalendarIDs(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// ListAccounts returns the user's linked Google accounts.
func (h *CalendarHandler) ListAccounts(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}

	accounts, err := h.svc.ListAccounts(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"accounts": accounts})
}

// ListCalendars returns the user's calendars with account metadata.
func (h *CalendarHandler) ListCalendars(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}

	views, err := h.svc.ListCalendars(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"calendars": views})
}

// SyncStatus reports the freshest completed sync across the queried calendars.
func (h *CalendarHandler) SyncStatus(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}

	status, err := h.svc.GetSyncStatus(c.UserContext(), userID, GetCalendarIDs(c))
	if err != nil {
		return err
	}
	return c.JSON(status)
}

// RefreshCalendars re-reads the account's calendar listing from Google.
func (h *CalendarHandler) RefreshCalendars(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return apperr.Unauthorized("")
	}
	accountID := c.Params("id")
	if accountID == "" {
		return apperr.MissingField("id")
	}

	views, err := h.svc.RefreshCalendars(c.UserContext(), userID, accountID)
	if err != nil {
		return err
	}
	h.log.Info().
		Str("user_id", userID).
		Str("account_id", accountID).
		Int("calendars", len(views)).
		Msg("calendars refreshed")
	return c.JSON(fiber.Map{"calendars": views})
}
