package persistence

import (
	"strings"
	"testing"
)

// The three event lists must be pairwise disjoint. A recurrence exception can
// carry its own recurrence rule, so singles and masters both have to pin
// recurring_event_id to NULL or such a row would show up twice.
func TestEventListPredicatesAreDisjoint(t *testing.T) {
	for name, cond := range map[string]string{
		"singles": condSingles,
		"masters": condMasters,
	} {
		if !strings.Contains(cond, "recurring_event_id IS NULL") {
			t.Errorf("%s predicate does not exclude recurrence exceptions: %q", name, cond)
		}
		if !strings.Contains(cond, "status != 'cancelled'") {
			t.Errorf("%s predicate does not exclude cancelled rows: %q", name, cond)
		}
	}
	if !strings.Contains(condExceptions, "recurring_event_id IS NOT NULL") {
		t.Errorf("exceptions predicate = %q", condExceptions)
	}
	if strings.Contains(condExceptions, "cancelled") {
		t.Errorf("exceptions must keep cancelled rows: %q", condExceptions)
	}
	if !strings.Contains(condSingles, "recurrence IS NULL") ||
		!strings.Contains(condMasters, "recurrence IS NOT NULL") {
		t.Errorf("singles/masters disagree on recurrence: %q vs %q", condSingles, condMasters)
	}
}
