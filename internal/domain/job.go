package domain

import "time"

// TaskStatus enumerates the lifecycle of a server-side generation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Server-side status codes reported by the check endpoint.
const (
	ServerStatusPending   = 0
	ServerStatusSucceeded = 1
)

// Task is a handle to a job owned by the generation backend. The controller
// only reads it through polling.
type Task struct {
	ID             string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	ResultImageRef string     `json:"result_image,omitempty"`
	StatusMessage  string     `json:"status_message,omitempty"`
}

// ClassifyTask maps a raw server status onto the task lifecycle. A task only
// succeeds when the server reports status 1 and supplies an image reference.
func ClassifyTask(id string, serverStatus int, imageRef, message string) Task {
	t := Task{ID: id, StatusMessage: message}
	switch {
	case serverStatus == ServerStatusPending:
		t.Status = TaskPending
	case serverStatus == ServerStatusSucceeded && imageRef != "":
		t.Status = TaskSucceeded
		t.ResultImageRef = imageRef
	default:
		t.Status = TaskFailed
	}
	return t
}

// Phase is the controller's position in the generation lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseChecking   Phase = "checking"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// InFlight reports whether the phase holds an active attempt.
func (p Phase) InFlight() bool {
	switch p {
	case PhaseChecking, PhaseSubmitting, PhasePolling:
		return true
	}
	return false
}

// Entitlement is a point-in-time view of a user's credits and paid tier.
type Entitlement struct {
	FreeCreditsRemaining int `json:"free_credits_remaining"`
	AccountTier          int `json:"account_tier"`
}

// CanGenerate reports whether a submission may proceed. Free credits take
// priority over tier; paid tiers submit without a numeric pre-check.
func (e Entitlement) CanGenerate() bool {
	return e.FreeCreditsRemaining > 0 || e.AccountTier > 0
}

// HistoryItem is one past generation as listed by the backend.
type HistoryItem struct {
	ID             string    `json:"id"`
	ResultImageRef string    `json:"result_image"`
	SourceImageRef string    `json:"source_image,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
	Size           string    `json:"size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryPage is a paginated slice of a user's generations.
type HistoryPage struct {
	Items    []HistoryItem `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}
