package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/alarmsync/internal/api"
)

type Client struct {
	baseURL      string
	socketPath   string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	c := NewWithClient("http://unix", &http.Client{Transport: transport})
	c.socketPath = socketPath
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "" && e.StatusCode > 0:
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case message != "":
		return message
	case e.StatusCode > 0:
		return fmt.Sprintf("http %d", e.StatusCode)
	default:
		return "http error"
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &resp)
	return resp, err
}

func (c *Client) Auth(ctx context.Context) (api.AuthEnvelope, error) {
	var resp api.AuthEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/auth", nil, nil, &resp)
	return resp, err
}

func (c *Client) Login(ctx context.Context, email, password string) (api.AuthEnvelope, error) {
	var resp api.AuthEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, api.CredentialRequest{Email: email, Password: password}, &resp)
	return resp, err
}

func (c *Client) Register(ctx context.Context, email, password string) (api.AuthEnvelope, error) {
	var resp api.AuthEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/auth/register", nil, api.CredentialRequest{Email: email, Password: password}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) (api.AuthEnvelope, error) {
	var resp api.AuthEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil, &resp)
	return resp, err
}

func (c *Client) CompleteOnboarding(ctx context.Context) (api.AuthEnvelope, error) {
	var resp api.AuthEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/auth/onboarding", nil, nil, &resp)
	return resp, err
}

// ListAlarms lists the signed-in owner's alarms. A non-nil enabled filters the active or
// passive side of the list.
func (c *Client) ListAlarms(ctx context.Context, enabled *bool) (api.AlarmsEnvelope, error) {
	query := url.Values{}
	if enabled != nil {
		query.Set("enabled", strconv.FormatBool(*enabled))
	}
	var resp api.AlarmsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/alarms", query, nil, &resp)
	return resp, err
}

func (c *Client) GetAlarm(ctx context.Context, id string) (api.AlarmEnvelope, error) {
	var resp api.AlarmEnvelope
	err := c.do(ctx, http.MethodGet, alarmPath(id), nil, nil, &resp)
	return resp, err
}

func (c *Client) CreateAlarm(ctx context.Context, req api.AlarmRequest) (api.AlarmEnvelope, error) {
	var resp api.AlarmEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/alarms", nil, req, &resp)
	return resp, err
}

func (c *Client) UpdateAlarm(ctx context.Context, id string, req api.AlarmRequest) (api.AlarmEnvelope, error) {
	var resp api.AlarmEnvelope
	err := c.do(ctx, http.MethodPut, alarmPath(id), nil, req, &resp)
	return resp, err
}

func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) (api.AlarmEnvelope, error) {
	var resp api.AlarmEnvelope
	err := c.do(ctx, http.MethodPatch, alarmPath(id)+"/enabled", nil, api.EnabledRequest{Enabled: &enabled}, &resp)
	return resp, err
}

func (c *Client) DeleteAlarm(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, alarmPath(id), nil, nil, nil)
}

// ExportCalendar returns the iCalendar export, or nil when no alarm is exportable.
func (c *Client) ExportCalendar(ctx context.Context) ([]byte, error) {
	body, status, err := c.request(ctx, http.MethodGet, "/v1/alarms.ics", nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return body, nil
}

func (c *Client) Sweep(ctx context.Context) (api.SweepEnvelope, error) {
	var resp api.SweepEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/reconcile/sweep", nil, nil, &resp)
	return resp, err
}

func (c *Client) Triggers(ctx context.Context) (api.TriggersEnvelope, error) {
	var resp api.TriggersEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/triggers", nil, nil, &resp)
	return resp, err
}

func (c *Client) Snooze(ctx context.Context, key string) (api.OutcomeEnvelope, error) {
	var resp api.OutcomeEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/triggers/"+url.PathEscape(key)+"/snooze", nil, nil, &resp)
	return resp, err
}

func (c *Client) ReleaseMail(ctx context.Context, req api.MailReleaseRequest) (api.OutcomeEnvelope, error) {
	var resp api.OutcomeEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/mail/release", nil, req, &resp)
	return resp, err
}

func alarmPath(id string) string {
	return "/v1/alarms/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	payload, _, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, resp.StatusCode, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, resp.StatusCode, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, resp.StatusCode, nil
}
