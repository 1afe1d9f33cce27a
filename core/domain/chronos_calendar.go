package domain

// GoogleCalendar is the local handle on a remote Google calendar.
// (GoogleAccountID, GoogleCalendarID) is the natural key.
type GoogleCalendar struct {
	ID               string `json:"id"`
	GoogleAccountID  string `json:"google_account_id"`
	GoogleCalendarID string `json:"google_calendar_id"`
	Name             string `json:"name"`
	Color            string `json:"color,omitempty"`
	IsPrimary        bool   `json:"is_primary"`
	AccessRole       string `json:"access_role"`
}

// CalendarDescriptor is the provider-side view of a calendar, as returned by
// the Google calendarList endpoint.
type CalendarDescriptor struct {
	GoogleCalendarID string
	Name             string
	Color            string
	IsPrimary        bool
	AccessRole       string
}

// CalendarView is the client-facing calendar listing, combining the local row
// with its owning account's metadata.
type CalendarView struct {
	ID               string `json:"id"`
	GoogleCalendarID string `json:"google_calendar_id"`
	Name             string `json:"name"`
	Color            string `json:"color,omitempty"`
	IsPrimary        bool   `json:"is_primary"`
	GoogleAccountID  string `json:"google_account_id"`
	AccountEmail     string `json:"account_email"`
	AccountName      string `json:"account_name"`
	NeedsReauth      bool   `json:"needs_reauth"`
}
