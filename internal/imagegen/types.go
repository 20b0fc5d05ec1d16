package imagegen

import (
	"context"
	"encoding/json"
	"fmt"

	"cartoon/internal/domain"
)

// Application codes returned in the response envelope.
const (
	CodeSuccess = 1000
	// CodeInsufficientCredits is returned by generate when the account has no
	// quota left for the requested operation.
	CodeInsufficientCredits = 1005
)

// StatusMalformed marks a success-coded check response whose data payload
// could not be read.
const StatusMalformed = -1

// SubmitRequest is the multipart payload of the generate endpoint.
type SubmitRequest struct {
	GoogleID    string
	File        domain.ImageFile
	Prompt      string
	AspectRatio domain.AspectRatio
	Enhance     bool
}

// CheckResult is the decoded body of a successful check call.
type CheckResult struct {
	Status    int
	StatusMsg string
	DistImage string
	Message   string
}

// Submitter creates generation tasks and reports their status.
type Submitter interface {
	Generate(ctx context.Context, req SubmitRequest) (string, error)
	Check(ctx context.Context, taskID string) (CheckResult, error)
}

// EntitlementSource reports a user's credits and tier.
type EntitlementSource interface {
	UserInfo(ctx context.Context, googleID string) (domain.Entitlement, error)
}

// HistorySource lists past generations for a user.
type HistorySource interface {
	History(ctx context.Context, googleID string, page, pageSize int) (domain.HistoryPage, error)
}

// APIError is an application-level failure reported inside a well-formed
// response envelope.
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: code %d", e.Op, e.Code)
}

// StatusError is a non-2xx HTTP response without a usable envelope.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
}

type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

type checkData struct {
	OpsuInfo *struct {
		DistImage string `json:"dist_image"`
	} `json:"opsuinfo"`
	Status    *int   `json:"status"`
	StatusMsg string `json:"status_msg"`
}

type userInfoData struct {
	APILeftTimes int `json:"api_left_times"`
	Level        int `json:"level"`
}

type historyData struct {
	List []struct {
		ID          json.RawMessage `json:"id"`
		DistImage   string          `json:"dist_image"`
		OriginImage string          `json:"origin_image"`
		Prompt      string          `json:"prompt"`
		Size        string          `json:"size"`
		CreatedAt   string          `json:"created_at"`
	} `json:"list"`
	Total int `json:"total"`
}
