package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const maxBatchSize = 50

var (
	// ErrUnauthorized indicates the provider rejected the access token.
	ErrUnauthorized = errors.New("provider: unauthorized")
	// ErrIntegrationDisabled indicates the tenant has calendar sync switched
	// off; no outbound call is made.
	ErrIntegrationDisabled = errors.New("provider: integration disabled")
	// ErrBatchTooLarge indicates more operations than one batch request allows.
	ErrBatchTooLarge = errors.New("provider: batch exceeds 50 operations")

	errMissingBaseURL  = errors.New("provider base url is required")
	errMissingTokenURL = errors.New("provider token url is required")
	errMissingTokens   = errors.New("token store is required")
)

// APIError is a non-401 provider rejection.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Body)
}

// Gate reports whether outbound calendar sync is enabled for the tenant.
type Gate interface {
	IntegrationEnabled(ctx context.Context) (bool, error)
}

// ClientConfig describes the provider client dependencies.
type ClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Tokens       TokenStore
	Gate         Gate
	Logger       *zap.Logger
}

// Client talks to the external calendar provider's REST API. Every
// token-bearing operation goes through withTokenRetry so an expired access
// token costs one refresh and one retry, never a failed user request.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	oauthConfig  oauth2.Config
	tokens       TokenStore
	gate         Gate
	logger       *zap.Logger
	refreshLocks *refreshMutex
}

// NewClient validates the configuration and constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errMissingTokenURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		oauthConfig: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		tokens:       cfg.Tokens,
		gate:         cfg.Gate,
		logger:       logger,
		refreshLocks: newRefreshMutex(),
	}, nil
}

func (c *Client) checkEnabled(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	enabled, err := c.gate.IntegrationEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrIntegrationDisabled
	}
	return nil
}

// GetEventsRequest filters an event listing.
type GetEventsRequest struct {
	CalendarIDs    []string
	From           time.Time
	To             time.Time
	LastModified   *time.Time
	IncludeDeleted bool
	IncludeFree    bool
	OnlyManaged    bool
}

// GetEvents lists events matching the request, following the opaque
// next_page links until exhausted so the caller always sees the full set.
func (c *Client) GetEvents(ctx context.Context, session Session, req GetEventsRequest) ([]Event, error) {
	var events []Event
	err := c.withTokenRetry(ctx, session, func(accessToken string) error {
		events = events[:0]

		query := url.Values{}
		query.Set("tzid", "Etc/UTC")
		for _, calendarID := range req.CalendarIDs {
			query.Add("calendar_ids[]", calendarID)
		}
		if !req.From.IsZero() {
			query.Set("from", req.From.UTC().Format(time.RFC3339))
		}
		if !req.To.IsZero() {
			query.Set("to", req.To.UTC().Format(time.RFC3339))
		}
		if req.LastModified != nil {
			query.Set("last_modified", req.LastModified.UTC().Format(time.RFC3339))
		}
		query.Set("include_deleted", strconv.FormatBool(req.IncludeDeleted))
		query.Set("include_free", strconv.FormatBool(req.IncludeFree))
		if req.OnlyManaged {
			query.Set("only_managed", "true")
		}

		pageURL := c.baseURL + "/v1/events?" + query.Encode()
		for pageURL != "" {
			var page struct {
				Events []wireEvent `json:"events"`
				Pages  struct {
					NextPage string `json:"next_page"`
				} `json:"pages"`
			}
			if err := c.doURL(ctx, accessToken, http.MethodGet, pageURL, nil, &page); err != nil {
				return err
			}
			for _, raw := range page.Events {
				event, err := raw.toEvent(session.Timezone)
				if err != nil {
					c.logger.Warn("skipping undecodable provider event",
						zap.String("event_uid", raw.EventUID), zap.Error(err))
					continue
				}
				events = append(events, event)
			}
			pageURL = page.Pages.NextPage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CreateEvent creates or updates a managed event on the calendar.
func (c *Client) CreateEvent(ctx context.Context, session Session, calendarID string, event EventUpsert) error {
	payload := map[string]any{
		"event_id":    event.EventID,
		"summary":     event.Summary,
		"description": event.Description,
		"start":       event.StartAt.UTC().Format(time.RFC3339),
		"end":         event.EndAt.UTC().Format(time.RFC3339),
	}
	if event.Timezone != "" {
		payload["tzid"] = event.Timezone
	}
	return c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodPost, "/v1/calendars/"+calendarID+"/events", payload, nil)
	})
}

// DeleteEvent removes a managed event by its event id.
func (c *Client) DeleteEvent(ctx context.Context, session Session, calendarID, eventID string) error {
	return c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodDelete, "/v1/calendars/"+calendarID+"/events",
			map[string]any{"event_id": eventID}, nil)
	})
}

// DeleteExternalEvent removes an event the provider owns, addressed by its
// uid rather than a managed event id.
func (c *Client) DeleteExternalEvent(ctx context.Context, session Session, calendarID, externalID string) error {
	return c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodDelete, "/v1/calendars/"+calendarID+"/events",
			map[string]any{"event_uid": externalID}, nil)
	})
}

// BulkDeleteEvents removes every managed event from the given calendars.
func (c *Client) BulkDeleteEvents(ctx context.Context, session Session, calendarIDs []string) error {
	return c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodDelete, "/v1/events",
			map[string]any{"calendar_ids": calendarIDs}, nil)
	})
}

// BatchEntry is one operation inside a batch request.
type BatchEntry struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Data        any    `json:"data,omitempty"`
}

// BatchResult is the per-entry outcome of a batch request. Status 202 means
// the operation was accepted.
type BatchResult struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Accepted reports whether the entry succeeded.
func (r BatchResult) Accepted() bool {
	return r.Status >= 200 && r.Status < 300
}

// BatchError lists the entries a strict batch rejected.
type BatchError struct {
	Failed []int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("provider: %d batch operations failed", len(e.Failed))
}

// BatchOperations submits up to 50 operations in one request and returns the
// per-entry statuses in request order.
func (c *Client) BatchOperations(ctx context.Context, session Session, entries []BatchEntry) ([]BatchResult, error) {
	if len(entries) > maxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var results []BatchResult
	err := c.withTokenRetry(ctx, session, func(accessToken string) error {
		var response struct {
			Batch []BatchResult `json:"batch"`
		}
		if err := c.do(ctx, accessToken, http.MethodPost, "/v1/batch",
			map[string]any{"batch": entries}, &response); err != nil {
			return err
		}
		results = response.Batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// StrictBatch submits a batch and fails with *BatchError when any entry is
// rejected.
func (c *Client) StrictBatch(ctx context.Context, session Session, entries []BatchEntry) ([]BatchResult, error) {
	results, err := c.BatchOperations(ctx, session, entries)
	if err != nil {
		return nil, err
	}
	var failed []int
	for index, result := range results {
		if !result.Accepted() {
			failed = append(failed, index)
		}
	}
	if len(failed) > 0 {
		return results, &BatchError{Failed: failed}
	}
	return results, nil
}

// CreateCalendar creates a calendar under the profile and returns its handle.
func (c *Client) CreateCalendar(ctx context.Context, session Session, profileID, name string) (Calendar, error) {
	var calendar Calendar
	err := c.withTokenRetry(ctx, session, func(accessToken string) error {
		var response struct {
			Calendar Calendar `json:"calendar"`
		}
		if err := c.do(ctx, accessToken, http.MethodPost, "/v1/calendars",
			map[string]any{"profile_id": profileID, "name": name}, &response); err != nil {
			return err
		}
		calendar = response.Calendar
		return nil
	})
	if err != nil {
		return Calendar{}, err
	}
	return calendar, nil
}

// SetCalendarPermission grants the given access level on a calendar.
func (c *Client) SetCalendarPermission(ctx context.Context, session Session, calendarID, email, level string) error {
	return c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodPost, "/v1/permissions", map[string]any{
			"permissions": []map[string]any{
				{"calendar_id": calendarID, "permission_level": level, "profile_email": email},
			},
		}, nil)
	})
}

// CreateNotificationChannel subscribes a callback URL to calendar changes.
func (c *Client) CreateNotificationChannel(ctx context.Context, session Session, callbackURL string, calendarIDs []string) (Channel, error) {
	payload := map[string]any{"callback_url": callbackURL}
	if len(calendarIDs) > 0 {
		payload["filters"] = map[string]any{"calendar_ids": calendarIDs}
	}
	var channel Channel
	err := c.withTokenRetry(ctx, session, func(accessToken string) error {
		var response struct {
			Channel Channel `json:"channel"`
		}
		if err := c.do(ctx, accessToken, http.MethodPost, "/v1/channels", payload, &response); err != nil {
			return err
		}
		channel = response.Channel
		return nil
	})
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// CloseNotificationChannel tears down a push subscription. A channel the
// provider no longer knows is treated as closed.
func (c *Client) CloseNotificationChannel(ctx context.Context, session Session, channelID string) error {
	err := c.withTokenRetry(ctx, session, func(accessToken string) error {
		return c.do(ctx, accessToken, http.MethodDelete, "/v1/channels/"+channelID, nil, nil)
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// RevokeAuthorization invalidates a token pair at the provider.
func (c *Client) RevokeAuthorization(ctx context.Context, token string) error {
	if err := c.checkEnabled(ctx); err != nil {
		return err
	}
	form := url.Values{}
	form.Set("client_id", c.oauthConfig.ClientID)
	form.Set("client_secret", c.oauthConfig.ClientSecret)
	form.Set("token", token)

	revokeURL := strings.TrimSuffix(c.oauthConfig.Endpoint.TokenURL, "/token") + "/revoke"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	return c.checkStatus(response)
}

// do issues one JSON request against a path relative to the base URL.
func (c *Client) do(ctx context.Context, accessToken, method, path string, body, out any) error {
	return c.doURL(ctx, accessToken, method, c.baseURL+path, body, out)
}

// doURL issues one JSON request against an absolute URL; pagination links
// come back absolute, so both entry points share this.
func (c *Client) doURL(ctx context.Context, accessToken, method, requestURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := c.checkStatus(response); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", requestURL, err)
	}
	return nil
}

func (c *Client) checkStatus(response *http.Response) error {
	if response.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if response.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &APIError{Status: response.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
