package sync

import (
	"context"
	"sync"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/ratelimit"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// OrchestratorConfig tunes the per-user sync fan-out.
type OrchestratorConfig struct {
	MaxCalendars      int           // hard cap on calendars per run
	MaxConcurrent     int64         // calendars synced in parallel
	MaxSyncDuration   time.Duration // wall clock budget per run
	KeepAliveInterval time.Duration // idle gap before a keep-alive item
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxCalendars:      20,
		MaxConcurrent:     5,
		MaxSyncDuration:   300 * time.Second,
		KeepAliveInterval: 15 * time.Second,
	}
}

// Orchestrator fans a user's sync out to per-calendar engine workers and
// multiplexes their progress into one serialized stream.
type Orchestrator struct {
	engine    CalendarSyncer
	calendars out.CalendarRepository
	limiter   *ratelimit.SyncLimiter
	cfg       OrchestratorConfig
	log       zerolog.Logger
}

func NewOrchestrator(engine CalendarSyncer, calendars out.CalendarRepository, limiter *ratelimit.SyncLimiter, cfg OrchestratorConfig, log zerolog.Logger) *Orchestrator {
	if cfg.MaxCalendars <= 0 {
		cfg.MaxCalendars = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxSyncDuration <= 0 {
		cfg.MaxSyncDuration = 300 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}
	return &Orchestrator{
		engine:    engine,
		calendars: calendars,
		limiter:   limiter,
		cfg:       cfg,
		log:       log.With().Str("component", "sync_orchestrator").Logger(),
	}
}

// SyncUser starts a sync run over the user's calendars (all of them when
// requested is empty) and returns the merged stream. The stream is closed
// after the complete item. Cancelling ctx cancels all workers.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string, requested []string) (<-chan domain.StreamItem, error) {
	ids, err := o.calendars.GetUserCalendarIDs(ctx, userID, requested)
	if err != nil {
		return nil, err
	}
	if len(ids) > o.cfg.MaxCalendars {
		return nil, domain.NewBadRequestError("too many calendars requested")
	}

	// The cooldown slot is consumed only once the request is known valid, so
	// a rejected request does not lock the user out.
	if !o.limiter.Allow(ctx, userID) {
		return nil, domain.NewRateLimitedError()
	}

	stream := make(chan domain.StreamItem, 64)
	go o.run(ctx, userID, ids, stream)
	return stream, nil
}

func (o *Orchestrator) run(ctx context.Context, userID string, ids []string, stream chan<- domain.StreamItem) {
	defer close(stream)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	o.log.Info().Str("user_id", userID).Int("calendars", len(ids)).Msg("sync run started")

	// Workers feed progress here; the channel closes when the last worker
	// returns so the consumer loop below has a natural end.
	progress := make(chan domain.ProgressRecord, 64)
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(o.cfg.MaxConcurrent)

	for _, id := range ids {
		wg.Add(1)
		go func(calendarID string) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			_ = o.engine.SyncCalendar(runCtx, userID, calendarID, func(rec domain.ProgressRecord) {
				select {
				case progress <- rec:
				case <-runCtx.Done():
				}
			})
		}(id)
	}
	go func() {
		wg.Wait()
		close(progress)
	}()

	send := func(item domain.StreamItem) bool {
		select {
		case stream <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	keepalive := time.NewTicker(o.cfg.KeepAliveInterval)
	defer keepalive.Stop()
	deadline := time.NewTimer(o.cfg.MaxSyncDuration)
	defer deadline.Stop()

	totalEvents := 0
	calendarsDone := 0
	complete := func() {
		t, c := totalEvents, calendarsDone
		send(domain.StreamItem{Type: domain.StreamComplete, TotalEvents: &t, CalendarsSynced: &c})
		o.log.Info().
			Str("user_id", userID).
			Int("total_events", t).
			Int("calendars_synced", c).
			Dur("elapsed", time.Since(started)).
			Msg("sync run finished")
	}

	for {
		select {
		case rec, ok := <-progress:
			if !ok {
				complete()
				return
			}
			keepalive.Reset(o.cfg.KeepAliveInterval)
			switch rec.Type {
			case domain.ProgressEvents:
				totalEvents += len(rec.Events)
				if !send(domain.StreamItem{Type: domain.StreamEvents, CalendarID: rec.CalendarID, Events: rec.Events}) {
					return
				}
			case domain.ProgressSyncToken:
				if !send(domain.StreamItem{Type: domain.StreamSyncToken, CalendarID: rec.CalendarID}) {
					return
				}
			case domain.ProgressError:
				item := domain.StreamItem{
					Type:       domain.StreamError,
					CalendarID: rec.CalendarID,
					Code:       rec.Code,
					Message:    rec.Message,
					Retryable:  rec.Retryable,
				}
				if !send(item) {
					return
				}
			case domain.ProgressCalendarDone:
				calendarsDone++
				if !send(domain.StreamItem{Type: domain.StreamCalendarDone, CalendarID: rec.CalendarID}) {
					return
				}
			}

		case <-keepalive.C:
			if !send(domain.StreamItem{Type: domain.StreamKeepAlive}) {
				return
			}

		case <-deadline.C:
			cancel()
			o.log.Warn().Str("user_id", userID).Msg("sync run hit wall clock limit")
			send(domain.StreamItem{Type: domain.StreamError, Code: "408", Message: "Sync timed out"})
			complete()
			return

		case <-ctx.Done():
			// Client went away; workers are cancelled via runCtx.
			return
		}
	}
}
