// Package changedetect diffs consecutive RepoState snapshots into the
// typed domain events the EventBus carries to the Broadcaster (spec
// §4.7). It is grounded on the teacher's pkg/reconciler: where Warren
// diffs desired cluster spec against observed state and emits
// reconciliation actions, this detector diffs a repo's previous
// snapshot against its current one and emits events instead of
// actions — the detector itself never touches registry state.
package changedetect

import (
	"github.com/cuemby/missioncontrol/internal/parser"
)

// Event types emitted onto the bus (spec §4.7).
const (
	WorkEffortCreated   = "workeffort:created"
	WorkEffortCompleted = "workeffort:completed"
	WorkEffortStarted   = "workeffort:started"
	WorkEffortPaused    = "workeffort:paused"
	WorkEffortUpdated   = "workeffort:updated"

	TicketCreated   = "ticket:created"
	TicketCompleted = "ticket:completed"
	TicketBlocked   = "ticket:blocked"
	TicketUpdated   = "ticket:updated"
)

// Event is a single detected change, ready to hand to an EventBus
// Emit call (Type, Data).
type Event struct {
	Type string
	Data map[string]interface{}
}

// Detect diffs prev (nil on first load) against curr for repo and
// returns the ordered sequence of events that should be emitted. The
// function is pure: it never mutates either snapshot.
func Detect(repo string, prev, curr []parser.WorkEffort) []Event {
	var events []Event

	prevByID := indexByID(prev)
	currByID := indexByID(curr)

	for _, we := range curr {
		old, existed := prevByID[we.ID]
		if !existed {
			events = append(events, Event{
				Type: WorkEffortCreated,
				Data: map[string]interface{}{
					"id": we.ID, "title": we.Title, "status": we.Status, "repo": repo, "we": we,
				},
			})
			continue
		}
		if old.Status != we.Status {
			events = append(events, Event{
				Type: workEffortStatusEventType(we.Status),
				Data: map[string]interface{}{
					"id": we.ID, "title": we.Title, "oldStatus": old.Status, "newStatus": we.Status,
					"repo": repo, "we": we,
				},
			})
		}
		events = append(events, diffTickets(repo, old.Tickets, we.Tickets)...)
	}

	return events
}

func workEffortStatusEventType(newStatus string) string {
	switch newStatus {
	case "completed":
		return WorkEffortCompleted
	case "active", "in_progress":
		return WorkEffortStarted
	case "paused":
		return WorkEffortPaused
	default:
		return WorkEffortUpdated
	}
}

func diffTickets(repo string, prev, curr []parser.Ticket) []Event {
	var events []Event
	prevByID := make(map[string]parser.Ticket, len(prev))
	for _, t := range prev {
		prevByID[t.ID] = t
	}

	for _, t := range curr {
		old, existed := prevByID[t.ID]
		if !existed {
			events = append(events, Event{
				Type: TicketCreated,
				Data: map[string]interface{}{"id": t.ID, "title": t.Title, "status": t.Status, "parent": t.Parent, "repo": repo, "ticket": t},
			})
			continue
		}
		if old.Status != t.Status {
			events = append(events, Event{
				Type: ticketStatusEventType(t.Status),
				Data: map[string]interface{}{
					"id": t.ID, "title": t.Title, "oldStatus": old.Status, "newStatus": t.Status,
					"parent": t.Parent, "repo": repo, "ticket": t,
				},
			})
		}
	}
	return events
}

func ticketStatusEventType(newStatus string) string {
	switch newStatus {
	case "completed":
		return TicketCompleted
	case "blocked":
		return TicketBlocked
	default:
		return TicketUpdated
	}
}

func indexByID(wes []parser.WorkEffort) map[string]parser.WorkEffort {
	m := make(map[string]parser.WorkEffort, len(wes))
	for _, we := range wes {
		m[we.ID] = we
	}
	return m
}
