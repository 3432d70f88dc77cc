package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteApplier is the remote-apply collaborator: it re-issues one queued
// mutation against the backend. Any non-2xx response or transport error
// is a failure and leaves the record pending.
type RemoteApplier interface {
	Apply(ctx context.Context, entityType string, action Action, payload json.RawMessage) error
}

type RemoteApplierFunc func(ctx context.Context, entityType string, action Action, payload json.RawMessage) error

func (f RemoteApplierFunc) Apply(ctx context.Context, entityType string, action Action, payload json.RawMessage) error {
	return f(ctx, entityType, action, payload)
}

type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote apply failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote apply failed: status=%d message=%s", e.StatusCode, e.Message)
}

type AccessTokenProvider func(ctx context.Context) (string, error)

type HTTPApplierOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// Routes maps an entity type to its API collection segment. Missing
	// entries fall back to entityType + "s".
	Routes map[string]string
	// Schemas, when set, validates payloads before dispatch. The log
	// itself never validates; this is the remote boundary's concern.
	Schemas *SchemaRegistry
}

// HTTPRemoteApplier replays mutations against the farm API:
// create -> POST /v1/{collection}, update -> PUT /v1/{collection}/{id},
// delete -> DELETE /v1/{collection}/{id}. The id comes from the payload's
// "id" field. Transient failures (429, 5xx, transport errors) retry with
// bounded exponential backoff honoring Retry-After.
type HTTPRemoteApplier struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	routes        map[string]string
	schemas       *SchemaRegistry
}

var defaultEntityRoutes = map[string]string{
	"activity":       "activities",
	"disease_report": "diseases",
	"post":           "posts",
	"chat_message":   "chats",
}

func NewHTTPRemoteApplier(opts HTTPApplierOptions) (*HTTPRemoteApplier, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	routes := map[string]string{}
	for entityType, collection := range defaultEntityRoutes {
		routes[entityType] = collection
	}
	for entityType, collection := range opts.Routes {
		routes[strings.TrimSpace(entityType)] = strings.Trim(strings.TrimSpace(collection), "/")
	}
	return &HTTPRemoteApplier{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		routes:        routes,
		schemas:       opts.Schemas,
	}, nil
}

func (a *HTTPRemoteApplier) Apply(ctx context.Context, entityType string, action Action, payload json.RawMessage) error {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if !validAction(action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	if a.schemas != nil && action != ActionDelete {
		if err := a.schemas.Validate(entityType, payload); err != nil {
			return err
		}
	}

	collection := a.routes[entityType]
	if collection == "" {
		collection = entityType + "s"
	}
	entityID := payloadEntityID(payload)

	var method, requestPath string
	var body json.RawMessage
	switch action {
	case ActionCreate:
		method = http.MethodPost
		requestPath = "/v1/" + collection
		body = payload
	case ActionUpdate:
		if entityID == "" {
			// Updates to entities created offline carry no server id yet;
			// the API upserts these through the collection endpoint.
			method = http.MethodPost
			requestPath = "/v1/" + collection
		} else {
			method = http.MethodPut
			requestPath = "/v1/" + collection + "/" + url.PathEscape(entityID)
		}
		body = payload
	case ActionDelete:
		if entityID == "" {
			return fmt.Errorf("%w: delete payload is missing an id", ErrInvalidInput)
		}
		method = http.MethodDelete
		requestPath = "/v1/" + collection + "/" + url.PathEscape(entityID)
	}

	return a.doJSON(ctx, method, requestPath, body)
}

func (a *HTTPRemoteApplier) doJSON(ctx context.Context, method, requestPath string, body json.RawMessage) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if a.tokenProvider != nil {
			token, tokenErr := a.tokenProvider(ctx)
			if tokenErr != nil {
				return tokenErr
			}
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
		req.Header.Set("X-Correlation-Id", applyCorrelationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			if attempt < a.maxRetries {
				if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < a.maxRetries {
			if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(respBody))
		}
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (a *HTTPRemoteApplier) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > a.maxDelay {
			return a.maxDelay
		}
		return retryAfter
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	if delay > a.maxDelay {
		return a.maxDelay
	}
	return delay
}

func payloadEntityID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.ID)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyCorrelationID() string {
	return fmt.Sprintf("sync_%d", time.Now().UnixNano())
}
