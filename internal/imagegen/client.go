package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cartoon/internal/domain"
)

// DefaultBaseURL points at the production generation backend.
const DefaultBaseURL = "https://cartoon.framepola.com/api"

const maxResponseBytes = 1 << 20

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// Client talks to the generation backend's generate, check, user/info and
// history endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{httpClient: client, baseURL: base, logger: logger}
}

// BaseURL returns the normalized backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Generate uploads the source photo and returns the backend task id.
func (c *Client) Generate(ctx context.Context, req SubmitRequest) (string, error) {
	if c == nil {
		return "", errors.New("imagegen: client not configured")
	}
	if len(req.File.Data) == 0 {
		return "", errors.New("imagegen: file data required")
	}
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	name := strings.TrimSpace(req.File.Name)
	if name == "" {
		name = "upload.png"
	}
	contentType := strings.TrimSpace(req.File.ContentType)
	if contentType == "" {
		contentType = http.DetectContentType(req.File.Data)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(req.File.Data); err != nil {
		return "", err
	}
	fields := [][2]string{
		{"google_id", req.GoogleID},
		{"prompt", req.Prompt},
		{"size", string(req.AspectRatio)},
		{"is_enhance", strconv.FormatBool(req.Enhance)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("generate", nil), body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	env, err := c.do(httpReq, "generate")
	if err != nil {
		return "", err
	}
	var taskID string
	if err := json.Unmarshal(env.Data, &taskID); err != nil || strings.TrimSpace(taskID) == "" {
		msg := env.Msg
		if msg == "" {
			msg = "missing task id"
		}
		return "", &APIError{Op: "generate", Code: env.Code, Message: msg}
	}
	c.logger.Debug().Str("task_id", taskID).Str("size", string(req.AspectRatio)).Msg("imagegen: task submitted")
	return taskID, nil
}

// Check fetches the status of a task. Application-level failures come back as
// *APIError; a success-coded body without a readable payload yields
// Status == StatusMalformed.
func (c *Client) Check(ctx context.Context, taskID string) (CheckResult, error) {
	if c == nil {
		return CheckResult{}, errors.New("imagegen: client not configured")
	}
	q := url.Values{"task_id": {taskID}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("check", q), nil)
	if err != nil {
		return CheckResult{}, err
	}
	env, err := c.do(httpReq, "check")
	if err != nil {
		return CheckResult{}, err
	}
	out := CheckResult{Status: StatusMalformed, Message: env.Msg}
	var data checkData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil || data.Status == nil {
		return out, nil
	}
	out.Status = *data.Status
	out.StatusMsg = data.StatusMsg
	if data.OpsuInfo != nil {
		out.DistImage = strings.TrimSpace(data.OpsuInfo.DistImage)
	}
	return out, nil
}

// UserInfo returns the entitlement snapshot for a user.
func (c *Client) UserInfo(ctx context.Context, googleID string) (domain.Entitlement, error) {
	if c == nil {
		return domain.Entitlement{}, errors.New("imagegen: client not configured")
	}
	q := url.Values{"google_id": {googleID}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("user/info", q), nil)
	if err != nil {
		return domain.Entitlement{}, err
	}
	env, err := c.do(httpReq, "user/info")
	if err != nil {
		return domain.Entitlement{}, err
	}
	var data userInfoData
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.Entitlement{}, errors.New("user/info: missing data")
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return domain.Entitlement{}, fmt.Errorf("user/info: decode data: %w", err)
	}
	return domain.Entitlement{
		FreeCreditsRemaining: max(data.APILeftTimes, 0),
		AccountTier:          max(data.Level, 0),
	}, nil
}

// History lists a page of the user's past generations.
func (c *Client) History(ctx context.Context, googleID string, page, pageSize int) (domain.HistoryPage, error) {
	if c == nil {
		return domain.HistoryPage{}, errors.New("imagegen: client not configured")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	q := url.Values{
		"google_id": {googleID},
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("generateImageOpus/list", q), nil)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	env, err := c.do(httpReq, "history")
	if err != nil {
		return domain.HistoryPage{}, err
	}
	out := domain.HistoryPage{Page: page, PageSize: pageSize, Items: []domain.HistoryItem{}}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	var data historyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("history: decode data: %w", err)
	}
	out.Total = data.Total
	for _, it := range data.List {
		item := domain.HistoryItem{
			ID:             rawID(it.ID),
			ResultImageRef: it.DistImage,
			SourceImageRef: it.OriginImage,
			Prompt:         it.Prompt,
			Size:           it.Size,
			CreatedAt:      parseTimestamp(it.CreatedAt),
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(req *http.Request, op string) (*envelope, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("imagegen: response")

	var env envelope
	if resp.StatusCode >= http.StatusBadRequest {
		// A coded envelope on an error status wins over the bare status.
		if json.Unmarshal(raw, &env) == nil && env.Code != 0 && env.Code != CodeSuccess {
			return nil, &APIError{Op: op, Code: env.Code, Message: env.Msg}
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.Code != CodeSuccess {
		return nil, &APIError{Op: op, Code: env.Code, Message: env.Msg}
	}
	return &env, nil
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseTimestamp(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

var (
	_ Submitter         = (*Client)(nil)
	_ EntitlementSource = (*Client)(nil)
	_ HistorySource     = (*Client)(nil)
)
