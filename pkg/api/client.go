package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

// SyncPage is one page of the incremental pull feed for a table.
type SyncPage struct {
	Items      []store.Entity `json:"items"`
	NextCursor *string        `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// Client talks to the dashboard backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       TokenProvider
	logger     *zap.Logger
}

// NewClient creates a new backend client.
func NewClient(baseURL string, auth TokenProvider, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if auth == nil {
		auth = anonymousProvider{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		auth:       auth,
		logger:     logger,
	}
}

// FetchSyncPage pulls one page of changes for a table.
func (c *Client) FetchSyncPage(
	ctx context.Context,
	table, cursor string,
	limit int,
	includeDeleted bool,
	filters map[string]string,
) (*SyncPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("include_deleted", strconv.FormatBool(includeDeleted))

	// Stable filter order keeps request logs and tests deterministic.
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, filters[k])
	}

	var page SyncPage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/sync?%s", table, q.Encode()), nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchEntity gets the server's current version of a record.
func (c *Client) FetchEntity(ctx context.Context, table, id string) (store.Entity, error) {
	var ent store.Entity
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%s", table, url.PathEscape(id)), nil, &ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// CreateEntity creates a record and returns the server's version of it,
// including the server-assigned id.
func (c *Client) CreateEntity(ctx context.Context, table string, payload store.Entity) (store.Entity, error) {
	var ent store.Entity
	if err := c.do(ctx, http.MethodPost, "/"+table, payload, &ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// UpdateEntity applies a partial update and returns the server's version.
func (c *Client) UpdateEntity(ctx context.Context, table, id string, payload store.Entity) (store.Entity, error) {
	var ent store.Entity
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/%s", table, url.PathEscape(id)), payload, &ent)
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// DeleteEntity deletes a record on the server.
func (c *Client) DeleteEntity(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/%s", table, url.PathEscape(id)), nil, nil)
}

// BulkDelete deletes a batch of records and returns the server's count.
func (c *Client) BulkDelete(ctx context.Context, table string, ids []string) (int, error) {
	var resp struct {
		DeletedCount int `json:"deleted_count"`
	}
	body := map[string]any{"ids": ids}
	if err := c.do(ctx, http.MethodPost, "/"+table+"/bulk-delete", body, &resp); err != nil {
		return 0, err
	}
	return resp.DeletedCount, nil
}

// BulkFlag flags or unflags a batch of records and returns the server's count.
func (c *Client) BulkFlag(ctx context.Context, table string, ids []string, flagged bool) (int, error) {
	var resp struct {
		UpdatedCount int `json:"updated_count"`
	}
	body := map[string]any{"ids": ids, "flagged": flagged}
	if err := c.do(ctx, http.MethodPost, "/"+table+"/bulk-flag", body, &resp); err != nil {
		return 0, err
	}
	return resp.UpdatedCount, nil
}

// Ping probes the server health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, _, err := c.auth.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return apperrors.UnAuthorizedError(err, "no usable auth token")
		}
		return fmt.Errorf("obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return apperrors.TimeoutError(err, "request timed out")
		}
		return apperrors.DependencyError(err, "server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Server rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return readErrorResponse(resp)
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBodyBytes))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readErrorResponse classifies a non-2xx response, preserving the
// server's message verbatim so failed mutations surface it unchanged.
func readErrorResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
	if err != nil {
		return apperrors.FromStatusCode(resp.StatusCode, "")
	}

	msg := strings.TrimSpace(string(raw))
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil {
		if envelope.Error != "" {
			msg = envelope.Error
		} else if envelope.Message != "" {
			msg = envelope.Message
		}
	}
	return apperrors.FromStatusCode(resp.StatusCode, msg)
}
