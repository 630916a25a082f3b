package model

import (
	"net/url"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted:
		return Status(s), nil
	}
	return "", Invalid("status", "must be one of pending, in-progress, completed")
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s), nil
	}
	return "", Invalid("priority", "must be one of low, medium, high")
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Assignee    string    `json:"assignee"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	Deadline    string    `json:"deadline,omitempty"`
	Description string    `json:"description,omitempty"`
	AttachedURL string    `json:"attachedUrl,omitempty"`
	WeatherNote string    `json:"weatherNote,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy; the attachments slice is never shared.
func (t Task) Clone() Task {
	t.Attachments = slices.Clone(t.Attachments)
	return t
}

// TaskInput is the payload of a create command. Empty Status and Priority
// select the defaults.
type TaskInput struct {
	Title       string `json:"title"`
	Assignee    string `json:"assignee"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Description string `json:"description,omitempty"`
	AttachedURL string `json:"attachedUrl,omitempty"`
	WeatherNote string `json:"weatherNote,omitempty"`
}

// TaskPatch is a partial update: nil fields keep their previous value.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	Description *string `json:"description,omitempty"`
	AttachedURL *string `json:"attachedUrl,omitempty"`
	WeatherNote *string `json:"weatherNote,omitempty"`
}

func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Assignee == nil && p.Status == nil && p.Priority == nil &&
		p.Deadline == nil && p.Description == nil && p.AttachedURL == nil && p.WeatherNote == nil
}

// NewTask validates in and builds a task with the given id, stamped at now.
func NewTask(id string, in TaskInput, now time.Time) (Task, error) {
	title := strings.TrimSpace(in.Title)
	assignee := strings.TrimSpace(in.Assignee)
	if title == "" {
		return Task{}, Invalid("title", "is required")
	}
	if assignee == "" {
		return Task{}, Invalid("assignee", "is required")
	}

	status := StatusPending
	if in.Status != "" {
		s, err := ParseStatus(in.Status)
		if err != nil {
			return Task{}, err
		}
		status = s
	}
	priority := PriorityMedium
	if in.Priority != "" {
		p, err := ParsePriority(in.Priority)
		if err != nil {
			return Task{}, err
		}
		priority = p
	}
	if err := validateDeadline(in.Deadline); err != nil {
		return Task{}, err
	}
	if err := validateURL(in.AttachedURL); err != nil {
		return Task{}, err
	}

	return Task{
		ID:          id,
		Title:       title,
		Assignee:    assignee,
		Status:      status,
		Priority:    priority,
		Deadline:    strings.TrimSpace(in.Deadline),
		Description: in.Description,
		AttachedURL: strings.TrimSpace(in.AttachedURL),
		WeatherNote: in.WeatherNote,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Apply merges p into a copy of t and reports the names of the fields whose
// value changed. UpdatedAt is left to the caller.
func (t Task) Apply(p TaskPatch) (Task, []string, error) {
	next := t.Clone()
	var changed []string

	if p.Title != nil {
		v := strings.TrimSpace(*p.Title)
		if v == "" {
			return Task{}, nil, Invalid("title", "must not be empty")
		}
		if v != next.Title {
			next.Title = v
			changed = append(changed, "title")
		}
	}
	if p.Assignee != nil {
		v := strings.TrimSpace(*p.Assignee)
		if v == "" {
			return Task{}, nil, Invalid("assignee", "must not be empty")
		}
		if v != next.Assignee {
			next.Assignee = v
			changed = append(changed, "assignee")
		}
	}
	if p.Status != nil {
		s, err := ParseStatus(*p.Status)
		if err != nil {
			return Task{}, nil, err
		}
		if s != next.Status {
			next.Status = s
			changed = append(changed, "status")
		}
	}
	if p.Priority != nil {
		pr, err := ParsePriority(*p.Priority)
		if err != nil {
			return Task{}, nil, err
		}
		if pr != next.Priority {
			next.Priority = pr
			changed = append(changed, "priority")
		}
	}
	if p.Deadline != nil {
		v := strings.TrimSpace(*p.Deadline)
		if err := validateDeadline(v); err != nil {
			return Task{}, nil, err
		}
		if v != next.Deadline {
			next.Deadline = v
			changed = append(changed, "deadline")
		}
	}
	if p.Description != nil && *p.Description != next.Description {
		next.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.AttachedURL != nil {
		v := strings.TrimSpace(*p.AttachedURL)
		if err := validateURL(v); err != nil {
			return Task{}, nil, err
		}
		if v != next.AttachedURL {
			next.AttachedURL = v
			changed = append(changed, "attachedUrl")
		}
	}
	if p.WeatherNote != nil && *p.WeatherNote != next.WeatherNote {
		next.WeatherNote = *p.WeatherNote
		changed = append(changed, "weatherNote")
	}
	return next, changed, nil
}

func validateDeadline(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return nil
	}
	return Invalid("deadline", "must be a YYYY-MM-DD date or an RFC3339 timestamp")
}

func validateURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Invalid("attachedUrl", "must be an absolute http or https URL")
	}
	return nil
}
