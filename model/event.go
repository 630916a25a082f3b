package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventTaskCreated  EventType = "TASK_CREATED"
	EventTaskUpdated  EventType = "TASK_UPDATED"
	EventTaskDeleted  EventType = "TASK_DELETED"
	EventTaskAssigned EventType = "TASK_ASSIGNED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted, EventTaskAssigned:
		return true
	}
	return false
}

// Event is a task change notification. Seq is assigned by the bus and grows
// strictly; events are never modified after publication.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Actor     string    `json:"actor,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func TaskCreated(t Task) Event {
	return Event{
		Type:    EventTaskCreated,
		TaskID:  t.ID,
		Actor:   t.Assignee,
		Message: fmt.Sprintf("Task '%s' assigned to %s", t.Title, t.Assignee),
	}
}

// TaskChanged builds the event for an update; a changed assignee makes it an
// assignment.
func TaskChanged(t Task, fields []string) Event {
	for _, f := range fields {
		if f == "assignee" {
			return Event{
				Type:    EventTaskAssigned,
				TaskID:  t.ID,
				Actor:   t.Assignee,
				Fields:  fields,
				Message: fmt.Sprintf("Task '%s' assigned to %s", t.Title, t.Assignee),
			}
		}
	}
	return Event{
		Type:    EventTaskUpdated,
		TaskID:  t.ID,
		Actor:   t.Assignee,
		Fields:  fields,
		Message: fmt.Sprintf("Task '%s' updated by %s", t.Title, t.Assignee),
	}
}

func TaskDeleted(t Task) Event {
	return Event{
		Type:    EventTaskDeleted,
		TaskID:  t.ID,
		Actor:   t.Assignee,
		Message: fmt.Sprintf("Task '%s' deleted (was assigned to %s)", t.Title, t.Assignee),
	}
}

// Line renders the pipe-delimited form TYPE|taskId|message|unixMillis used by
// datagram clients and line-format streams.
func (e Event) Line() string {
	msg := strings.ReplaceAll(e.Message, "|", "/")
	msg = strings.ReplaceAll(msg, "\n", " ")
	if e.Timestamp.IsZero() {
		return fmt.Sprintf("%s|%s|%s", e.Type, e.TaskID, msg)
	}
	return fmt.Sprintf("%s|%s|%s|%d", e.Type, e.TaskID, msg, e.Timestamp.UnixMilli())
}

// ParseLine accepts both the 3-field and the 4-field pipe form.
func ParseLine(s string) (Event, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 3 && len(parts) != 4 {
		return Event{}, fmt.Errorf("event line: want 3 or 4 fields, got %d", len(parts))
	}
	ev := Event{
		Type:    EventType(parts[0]),
		TaskID:  parts[1],
		Message: parts[2],
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("event line: unknown type %q", parts[0])
	}
	if ev.TaskID == "" {
		return Event{}, fmt.Errorf("event line: empty task id")
	}
	if len(parts) == 4 && parts[3] != "" {
		ms, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("event line: bad timestamp %q: %w", parts[3], err)
		}
		ev.Timestamp = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}
