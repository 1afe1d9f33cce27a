package sync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EngineConfig tunes the per-calendar sync engine.
type EngineConfig struct {
	// WebhookURL is the public address handed to Google watch channels.
	// Empty disables watch registration.
	WebhookURL string

	// WatchRefreshBuffer renews a channel that expires within this window.
	WatchRefreshBuffer time.Duration

	// UpsertWorkers bounds concurrent background upsert batches per run.
	UpsertWorkers int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WatchRefreshBuffer: 24 * time.Hour,
		UpsertWorkers:      3,
	}
}

// CalendarSyncer is the slice of the engine the fan-out layers consume.
type CalendarSyncer interface {
	SyncCalendar(ctx context.Context, userID, calendarID string, sink domain.ProgressSink) error
}

// Engine drives one calendar through a sync run: token progression,
// pagination, background upserts and progress persistence.
type Engine struct {
	accounts  out.AccountRepository
	calendars out.CalendarRepository
	events    out.EventRepository
	state     out.SyncStateRepository
	provider  out.CalendarProviderPort
	transform *Transformer
	cfg       EngineConfig
	metrics   *metrics.SyncRegistry
	log       zerolog.Logger

	now func() time.Time
}

func NewEngine(
	accounts out.AccountRepository,
	calendars out.CalendarRepository,
	events out.EventRepository,
	state out.SyncStateRepository,
	provider out.CalendarProviderPort,
	transform *Transformer,
	cfg EngineConfig,
	log zerolog.Logger,
) *Engine {
	if cfg.UpsertWorkers <= 0 {
		cfg.UpsertWorkers = 3
	}
	if cfg.WatchRefreshBuffer <= 0 {
		cfg.WatchRefreshBuffer = 24 * time.Hour
	}
	return &Engine{
		accounts:  accounts,
		calendars: calendars,
		events:    events,
		state:     state,
		provider:  provider,
		transform: transform,
		cfg:       cfg,
		metrics:   metrics.NewSyncRegistry(1000),
		log:       log.With().Str("component", "sync_engine").Logger(),
		now:       time.Now,
	}
}

// SetMetrics shares the container-owned latency registry with the engine.
func (e *Engine) SetMetrics(reg *metrics.SyncRegistry) {
	if reg != nil {
		e.metrics = reg
	}
}

// SyncCalendar runs one sync for the calendar and streams progress records to
// sink. A nil sink persists results without emitting. The returned error is
// also reflected as an error record on the sink.
func (e *Engine) SyncCalendar(ctx context.Context, userID, calendarID string, sink domain.ProgressSink) error {
	started := e.now()

	cal, err := e.calendars.GetCalendar(ctx, calendarID, userID)
	if err != nil {
		return e.fail(sink, calendarID, err)
	}
	if cal == nil {
		return e.fail(sink, calendarID, domain.NewBadRequestError("calendar not found"))
	}

	acct, err := e.accounts.GetAccount(ctx, cal.GoogleAccountID)
	if err != nil {
		return e.fail(sink, calendarID, err)
	}
	if acct == nil || acct.NeedsReauth {
		return e.fail(sink, calendarID, domain.NewAuthError(401, "account needs re-authentication"))
	}

	var syncToken, pageToken string
	if st, err := e.state.Get(ctx, calendarID); err != nil {
		return e.fail(sink, calendarID, err)
	} else if st != nil {
		syncToken = st.SyncToken
		pageToken = st.NextPageToken
	}

	// A saved page token may be stale; if resuming with it fails we get one
	// restart as a clean full sync. Tokens minted during this run do not
	// qualify.
	resuming := pageToken != ""
	retried := false

run:
	for {
		pagesFetched := 0
		itemsUpserted := 0
		upserts := new(errgroup.Group)
		upserts.SetLimit(e.cfg.UpsertWorkers)

		for {
			if err := ctx.Err(); err != nil {
				_ = upserts.Wait()
				return err
			}

			// A page token always wins: it means a listing is in flight and
			// already encodes the sync token when there was one.
			q := out.EventsQuery{}
			if pageToken != "" {
				q.PageToken = pageToken
			} else if syncToken != "" {
				q.SyncToken = syncToken
			}

			fetchStart := e.now()
			page, err := e.provider.FetchEventsPage(ctx, userID, cal.GoogleAccountID, cal.GoogleCalendarID, q)
			e.metrics.Observe(metrics.PhasePageFetch, e.now().Sub(fetchStart))
			if err != nil {
				switch {
				case domain.IsKind(err, domain.ErrSyncTokenExpired) && !retried:
					retried = true
					_ = upserts.Wait()
					e.log.Info().Str("calendar_id", calendarID).Msg("sync token expired, restarting as full sync")
					if cerr := e.state.Clear(ctx, calendarID); cerr != nil {
						e.log.Error().Err(cerr).Str("calendar_id", calendarID).Msg("failed to clear sync state")
					}
					syncToken, pageToken = "", ""
					continue run

				case domain.IsRetryable(err) && resuming && !retried:
					retried = true
					resuming = false
					_ = upserts.Wait()
					e.log.Warn().Err(err).Str("calendar_id", calendarID).Msg("resume failed, restarting as full sync")
					syncToken, pageToken = "", ""
					continue run

				default:
					if pageToken != "" {
						upd := domain.SyncStateUpdate{
							PageToken:     &pageToken,
							PagesFetched:  &pagesFetched,
							ItemsUpserted: &itemsUpserted,
						}
						if uerr := e.state.Update(ctx, calendarID, "", upd); uerr != nil {
							e.log.Error().Err(uerr).Str("calendar_id", calendarID).Msg("failed to save resume point")
						}
					}
					_ = upserts.Wait()
					return e.fail(sink, calendarID, err)
				}
			}

			pagesFetched++
			resuming = false
			events := e.transform.TransformPage(page.Items, cal, userID)
			itemsUpserted += len(events)

			if len(events) > 0 {
				batch := events
				upserts.Go(func() error {
					upsertStart := time.Now()
					_, err := e.events.UpsertEvents(ctx, batch)
					e.metrics.Observe(metrics.PhaseUpsert, time.Since(upsertStart))
					return err
				})
			}

			if sink != nil && len(events) > 0 {
				clientEvents := e.transform.ToClientEvents(events, userID)
				SortByProximity(clientEvents, e.now())
				sink(domain.ProgressRecord{
					Type:       domain.ProgressEvents,
					CalendarID: calendarID,
					Events:     clientEvents,
				})
			}

			if page.NextPageToken != "" {
				pageToken = page.NextPageToken
				upd := domain.SyncStateUpdate{
					PageToken:     &pageToken,
					PagesFetched:  &pagesFetched,
					ItemsUpserted: &itemsUpserted,
				}
				if err := e.state.Update(ctx, calendarID, "", upd); err != nil {
					e.log.Error().Err(err).Str("calendar_id", calendarID).Msg("failed to persist page boundary")
				}
				continue
			}

			// Final page. Upserts for every page must land before the sync
			// token does.
			newSyncToken := page.NextSyncToken
			if newSyncToken == "" {
				newSyncToken = syncToken
			}
			upsertErr := upserts.Wait()

			empty := ""
			durationMS := e.now().Sub(started).Milliseconds()
			full := true
			upd := domain.SyncStateUpdate{
				PageToken:        &empty,
				PagesFetched:     &pagesFetched,
				ItemsUpserted:    &itemsUpserted,
				SyncDurationMS:   &durationMS,
				FullSyncComplete: &full,
			}
			if err := e.state.Update(ctx, calendarID, newSyncToken, upd); err != nil {
				return e.fail(sink, calendarID, domain.NewPersistError(0, err))
			}

			if sink != nil {
				sink(domain.ProgressRecord{Type: domain.ProgressSyncToken, CalendarID: calendarID})
			}
			if upsertErr != nil {
				// Token already advanced so the next run does not re-download
				// the world; the failed batches surface as a retryable record.
				e.emitError(sink, calendarID, domain.NewPersistError(batchIndex(upsertErr), upsertErr))
			}

			e.ensureWebhookChannel(ctx, userID, cal)

			if sink != nil {
				sink(domain.ProgressRecord{Type: domain.ProgressCalendarDone, CalendarID: calendarID})
			}

			e.metrics.Observe(metrics.PhaseSyncRun, e.now().Sub(started))
			e.log.Info().
				Str("calendar_id", calendarID).
				Int("pages", pagesFetched).
				Int("items", itemsUpserted).
				Int64("duration_ms", durationMS).
				Msg("calendar sync complete")
			return nil
		}
	}
}

// ensureWebhookChannel registers (or renews) the Google push channel for the
// calendar. Failures are non-fatal.
func (e *Engine) ensureWebhookChannel(ctx context.Context, userID string, cal *domain.GoogleCalendar) {
	if e.cfg.WebhookURL == "" {
		return
	}

	st, err := e.state.Get(ctx, cal.ID)
	if err == nil && st != nil && st.WebhookChannelID != "" &&
		e.now().Add(e.cfg.WatchRefreshBuffer).Before(st.WebhookExpiresAt) {
		return
	}

	channelID := uuid.NewString()
	channelToken, err := newChannelToken()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to generate channel token")
		return
	}

	ch, err := e.provider.CreateWatchChannel(ctx, userID, cal.GoogleAccountID, cal.GoogleCalendarID, channelID, channelToken, e.cfg.WebhookURL)
	if err != nil {
		if domain.IsKind(err, domain.ErrBadRequest) {
			// Some calendars (holidays, birthdays) do not support push.
			e.log.Debug().Str("calendar_id", cal.ID).Msg("push not supported for calendar")
			return
		}
		e.log.Warn().Err(err).Str("calendar_id", cal.ID).Msg("failed to register watch channel")
		return
	}

	reg := domain.WatchRegistration{
		GoogleCalendarID: cal.ID,
		ChannelID:        channelID,
		ResourceID:       ch.ResourceID,
		ChannelToken:     channelToken,
		ExpiresAt:        ch.ExpiresAt,
	}
	if err := e.state.SaveWebhookRegistration(ctx, reg); err != nil {
		e.log.Error().Err(err).Str("calendar_id", cal.ID).Msg("failed to save watch registration")
		return
	}
	e.log.Info().
		Str("calendar_id", cal.ID).
		Time("expires_at", ch.ExpiresAt).
		Msg("watch channel registered")
}

// newChannelToken returns 32 bytes of entropy hex-encoded.
func newChannelToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (e *Engine) fail(sink domain.ProgressSink, calendarID string, err error) error {
	e.log.Error().Err(err).Str("calendar_id", calendarID).Msg("calendar sync failed")
	e.emitError(sink, calendarID, err)
	return err
}

func (e *Engine) emitError(sink domain.ProgressSink, calendarID string, err error) {
	if sink == nil {
		return
	}
	se := domain.AsSyncError(err)
	sink(domain.ProgressRecord{
		Type:       domain.ProgressError,
		CalendarID: calendarID,
		Code:       errorCode(se),
		Message:    se.Message,
		Retryable:  se.Retryable(),
	})
}

func errorCode(se *domain.SyncError) string {
	if se.Kind == domain.ErrPersist {
		return "persist"
	}
	if se.StatusCode != 0 {
		return strconv.Itoa(se.StatusCode)
	}
	return string(se.Kind)
}

func batchIndex(err error) int {
	return domain.AsSyncError(err).Batch
}
