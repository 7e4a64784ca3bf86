package drafting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultTimeout = 30 * time.Second

// maxResponseSize bounds the draft response body.
const maxResponseSize = 1 << 20

// HTTPClient drafts emails through a remote content generation endpoint. The
// response may carry the draft at the top level or under "data" or "draft".
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPClient(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "drafting"),
	}
}

func (c *HTTPClient) Draft(ctx context.Context, req Request) (Draft, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Draft{}, fmt.Errorf("failed to encode draft request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/drafts", bytes.NewReader(payload))
	if err != nil {
		return Draft{}, fmt.Errorf("failed to build draft request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrDraftFailed, err)
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Draft{}, fmt.Errorf("%w: reading response: %w", ErrDraftFailed, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return Draft{}, fmt.Errorf("%w: status %d: %s", ErrDraftFailed, resp.StatusCode, gjson.GetBytes(body, "error").String())
	}

	if !gjson.ValidBytes(body) {
		return Draft{}, fmt.Errorf("%w: response is not JSON", ErrDraftFailed)
	}

	root := gjson.ParseBytes(body)

	for _, path := range []string{"data", "draft"} {
		if nested := root.Get(path); nested.IsObject() {
			root = nested

			break
		}
	}

	draft := Draft{
		Subject: strings.TrimSpace(root.Get("subject").String()),
		Body:    strings.TrimSpace(root.Get("body").String()),
	}

	if draft.Empty() {
		return Draft{}, ErrEmptyDraft
	}

	c.logger.DebugContext(ctx, "draft generated", "lead_id", req.LeadID, "email_type", req.EmailType)

	return draft, nil
}
