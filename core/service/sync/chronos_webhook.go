package sync

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"

	"github.com/rs/zerolog"
)

// WebhookDebounce is the quiet period before a notification turns into a
// sync run, so bursts of notifications coalesce.
const WebhookDebounce = 2 * time.Second

// resourceStateSync is Google's initial handshake notification.
const resourceStateSync = "sync"

// WebhookDispatcher validates Google push notifications and turns them into
// debounced background syncs, one in flight per calendar at most, with at
// most one pending re-run behind it.
type WebhookDispatcher struct {
	engine   CalendarSyncer
	state    out.SyncStateRepository
	debounce time.Duration
	timeout  time.Duration // budget of one background sync run
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*debounceEntry // keyed by calendar id
}

type debounceEntry struct {
	timer   *time.Timer
	running bool
	pending bool
	userID  string
}

func NewWebhookDispatcher(engine CalendarSyncer, state out.SyncStateRepository, log zerolog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		engine:   engine,
		state:    state,
		debounce: WebhookDebounce,
		timeout:  300 * time.Second,
		log:      log.With().Str("component", "webhook_dispatcher").Logger(),
		entries:  make(map[string]*debounceEntry),
	}
}

// SetTimeout overrides the wall clock budget of one background sync run.
func (d *WebhookDispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// HandleNotification processes one push notification. Unknown channels are
// dropped silently; a token mismatch is an auth error; the "sync" handshake
// succeeds without scheduling work.
func (d *WebhookDispatcher) HandleNotification(ctx context.Context, channelID, channelToken, resourceState string) error {
	if channelID == "" {
		return domain.NewBadRequestError("missing channel id")
	}

	route, err := d.state.GetByChannelID(ctx, channelID)
	if err != nil {
		return err
	}
	if route == nil {
		// Expired or foreign channel; Google keeps notifying until the
		// channel TTL runs out.
		d.log.Debug().Str("channel_id", channelID).Msg("notification for unknown channel dropped")
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(route.ChannelToken), []byte(channelToken)) != 1 {
		d.log.Warn().Str("channel_id", channelID).Msg("channel token mismatch")
		return domain.NewAuthError(401, "channel token mismatch")
	}

	if resourceState == resourceStateSync {
		return nil
	}

	d.schedule(route.GoogleCalendarID, route.UserID)
	return nil
}

// schedule arms (or re-arms) the calendar's debounce timer. When a sync is
// already running the trigger is recorded as pending and replayed once the
// run finishes.
func (d *WebhookDispatcher) schedule(calendarID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.entries[calendarID]
	if e == nil {
		e = &debounceEntry{}
		d.entries[calendarID] = e
	}
	e.userID = userID

	if e.running {
		e.pending = true
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.debounce, func() {
		d.runSync(calendarID)
	})
}

func (d *WebhookDispatcher) runSync(calendarID string) {
	d.mu.Lock()
	e := d.entries[calendarID]
	if e == nil {
		d.mu.Unlock()
		return
	}
	e.timer = nil
	e.running = true
	userID := e.userID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.log.Info().Str("calendar_id", calendarID).Msg("webhook-triggered sync starting")
	if err := d.engine.SyncCalendar(ctx, userID, calendarID, nil); err != nil {
		d.log.Error().Err(err).Str("calendar_id", calendarID).Msg("webhook-triggered sync failed")
	}

	d.mu.Lock()
	e.running = false
	pending := e.pending
	e.pending = false
	if !pending {
		delete(d.entries, calendarID)
	}
	d.mu.Unlock()

	if pending {
		d.schedule(calendarID, userID)
	}
}
