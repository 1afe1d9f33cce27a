package domain

import "time"

// =============================================================================
// Sync State
// =============================================================================

// CalendarSyncState is the per-calendar cursor row. At any moment at most one
// of SyncToken and NextPageToken determines the next request: a page token
// means a full sync is in progress and wins over the sync token.
type CalendarSyncState struct {
	GoogleCalendarID string
	SyncToken        string
	NextPageToken    string
	LastSyncAt       time.Time
	PagesFetched     int
	ItemsUpserted    int
	SyncDurationMS   int64
	FullSyncComplete bool

	// Watch registration. Either all four are set or none.
	WebhookChannelID    string
	WebhookResourceID   string
	WebhookChannelToken string
	WebhookExpiresAt    time.Time
}

// SyncStateUpdate carries the optional columns for a sync-state upsert.
// Nil fields are left untouched.
type SyncStateUpdate struct {
	PageToken        *string
	PagesFetched     *int
	ItemsUpserted    *int
	SyncDurationMS   *int64
	FullSyncComplete *bool
}

// WatchRegistration is a saved Google push channel for one calendar.
type WatchRegistration struct {
	GoogleCalendarID string
	ChannelID        string
	ResourceID       string
	ChannelToken     string
	ExpiresAt        time.Time
}

// WebhookRoute resolves an incoming channel id to the calendar and user the
// notification belongs to.
type WebhookRoute struct {
	GoogleCalendarID string
	GoogleAccountID  string
	UserID           string
	ChannelToken     string
}

// =============================================================================
// Sync Pages & Progress Records
// =============================================================================

// EventsPage is one page from the Google events endpoint. NextSyncToken is
// set only on the final page of a run.
type EventsPage struct {
	Items         []RawEvent
	NextPageToken string
	NextSyncToken string
}

// ProgressType tags the records a per-calendar sync emits, in order:
// events* → sync_token → calendar_done, with error possible at any point.
type ProgressType string

const (
	ProgressEvents       ProgressType = "events"
	ProgressSyncToken    ProgressType = "sync_token"
	ProgressError        ProgressType = "error"
	ProgressCalendarDone ProgressType = "calendar_done"
)

// ProgressRecord is one item of a calendar's sync stream.
type ProgressRecord struct {
	Type       ProgressType  `json:"type"`
	CalendarID string        `json:"calendar_id"`
	Events     []ClientEvent `json:"events,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
}

// ProgressSink receives progress records from a sync run. A nil sink means
// the engine persists results but emits nothing.
type ProgressSink func(rec ProgressRecord)

// =============================================================================
// Orchestrated Stream
// =============================================================================

// StreamType tags the items of the merged per-user sync stream.
type StreamType string

const (
	StreamEvents       StreamType = "events"
	StreamSyncToken    StreamType = "sync_token"
	StreamError        StreamType = "sync_error"
	StreamCalendarDone StreamType = "calendar_done"
	StreamComplete     StreamType = "complete"
	StreamKeepAlive    StreamType = "keep_alive"
)

// StreamItem is one serialized unit of the client-facing sync stream.
// KeepAlive items carry no payload and render as SSE comments.
type StreamItem struct {
	Type       StreamType    `json:"-"`
	CalendarID string        `json:"calendar_id,omitempty"`
	Events     []ClientEvent `json:"events,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`

	// Complete payload
	TotalEvents     *int `json:"total_events,omitempty"`
	CalendarsSynced *int `json:"calendars_synced,omitempty"`
}
