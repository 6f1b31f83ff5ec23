package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Condition string

const (
	ConditionStartup      Condition = "startup"
	ConditionTimeout      Condition = "timeout"
	ConditionYield        Condition = "yield"
	ConditionSelfEviction Condition = "self-eviction"
	ConditionRecovery     Condition = "recovery"
)

// TransitionEvent records a single role change. Events are immutable
// once appended except for the action failure summary, which the
// executor attaches after processing the event.
type TransitionEvent struct {
	Id             string    `json:"id"`
	PreviousRole   Role      `json:"previousRole"`
	NewRole        Role      `json:"newRole"`
	Time           time.Time `json:"time"`
	Condition      Condition `json:"condition"`
	ActionFailures []string  `json:"actionFailures,omitempty"`
}

func NewTransitionEvent(prev, next Role, condition Condition) TransitionEvent {
	return TransitionEvent{
		Id:           uuid.NewString(),
		PreviousRole: prev,
		NewRole:      next,
		Time:         time.Now().UTC(),
		Condition:    condition,
	}
}

func (ev TransitionEvent) String() string {
	return fmt.Sprintf("TransitionEvent{%s: %s -> %s (%s)}",
		ev.Id, ev.PreviousRole, ev.NewRole, ev.Condition)
}

// EventLog is the append-only transition history exposed for audit.
type EventLog struct {
	events []TransitionEvent

	mu sync.RWMutex
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Append(ev TransitionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// AttachFailures records the executor's per-action failure summary on
// an already appended event. Unknown ids are ignored.
func (l *EventLog) AttachFailures(id string, failures []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Id == id {
			l.events[i].ActionFailures = failures
			return
		}
	}
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.events)
}

// Recent returns up to n events, most recent last.
func (l *EventLog) Recent(n int) []TransitionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.events) - n
	if start < 0 {
		start = 0
	}

	events := make([]TransitionEvent, len(l.events)-start)
	copy(events, l.events[start:])

	return events
}
