package bugzilla

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// RequestTimeout bounds every request made to Bugzilla
const RequestTimeout = 60 * time.Second

const apiKeyHeader = "X-BUGZILLA-API-KEY"

// Client wraps the Bugzilla REST API. go-jira's request plumbing is tracker
// agnostic: it resolves paths against the REST root, encodes JSON bodies and
// rejects non-2xx responses, which is all Bugzilla needs.
type Client struct {
	client *jira.Client
	logger *zap.Logger
}

// apiKeyTransport adds the Bugzilla API key to outgoing requests
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	if t.key != "" {
		req2.Header.Set(apiKeyHeader, t.key)
	}
	req2.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req2)
}

// NewClient creates a new Bugzilla client
func NewClient(creds config.BugzillaCreds, logger *zap.Logger) (*Client, error) {
	httpClient := &http.Client{
		Timeout: RequestTimeout,
		Transport: &apiKeyTransport{
			key:  creds.Key,
			base: http.DefaultTransport,
		},
	}

	client, err := jira.NewClient(httpClient, creds.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create bugzilla client: %w", err)
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Query is a Bugzilla search query
type Query map[string]string

// DefaultQuery matches every bug carrying the bugmon keyword filed since the
// given date
func DefaultQuery(since string) Query {
	return Query{
		"query_format":   "advanced",
		"keywords":       "bugmon",
		"keywords_type":  "anywords",
		"chfield":        "[Bug creation]",
		"chfieldfrom":    since,
		"include_fields": "_default",
	}
}

// Encode renders the query as URL parameters
func (q Query) Encode() string {
	values := url.Values{}
	for k, v := range q {
		values.Set(k, v)
	}
	return values.Encode()
}

// SearchBugs returns every bug matching query, in tracker order. Records
// that fail validation are logged and skipped.
func (c *Client) SearchBugs(ctx context.Context, query Query) ([]*types.Bug, error) {
	var result struct {
		Bugs []json.RawMessage `json:"bugs"`
	}
	if err := c.request(ctx, http.MethodGet, "bug?"+query.Encode(), nil, &result); err != nil {
		return nil, err
	}

	bugs := make([]*types.Bug, 0, len(result.Bugs))
	for _, raw := range result.Bugs {
		bug, err := types.ParseBug(raw)
		if err != nil {
			c.logger.Warn("failed to parse bug", zap.Error(err))
			continue
		}
		bugs = append(bugs, bug)
	}

	c.logger.Debug("searched bugs", zap.Int("count", len(bugs)))
	return bugs, nil
}

// GetBug retrieves a single bug by id
func (c *Client) GetBug(ctx context.Context, id int) (*types.Bug, error) {
	var result struct {
		Bugs []json.RawMessage `json:"bugs"`
	}
	if err := c.request(ctx, http.MethodGet, "bug/"+strconv.Itoa(id), nil, &result); err != nil {
		return nil, err
	}
	if len(result.Bugs) == 0 {
		return nil, types.NewTaskError(fmt.Sprintf("bug %d not found", id))
	}

	bug, err := types.ParseBug(result.Bugs[0])
	if err != nil {
		return nil, types.WrapTaskError(err)
	}
	return bug, nil
}

// CacheBug normalizes a bug by embedding its comments and attachments into
// the record, so later stages never need to query Bugzilla for them
func (c *Client) CacheBug(ctx context.Context, bug *types.Bug) (*types.Bug, error) {
	id := strconv.Itoa(bug.ID)

	var comments struct {
		Bugs map[string]struct {
			Comments json.RawMessage `json:"comments"`
		} `json:"bugs"`
	}
	if err := c.request(ctx, http.MethodGet, "bug/"+id+"/comment", nil, &comments); err != nil {
		return nil, err
	}

	var attachments struct {
		Bugs map[string]json.RawMessage `json:"bugs"`
	}
	if err := c.request(ctx, http.MethodGet, "bug/"+id+"/attachment", nil, &attachments); err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bug.Raw(), &fields); err != nil {
		return nil, types.WrapTaskError(err)
	}
	fields["comments"] = orEmptyList(comments.Bugs[id].Comments)
	fields["attachments"] = orEmptyList(attachments.Bugs[id])

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, types.WrapTaskError(err)
	}

	cached, err := types.ParseBug(raw)
	if err != nil {
		return nil, types.WrapTaskError(err)
	}
	return cached, nil
}

// UpdateBug applies diff to the bug
func (c *Client) UpdateBug(ctx context.Context, id int, diff map[string]json.RawMessage) error {
	var result json.RawMessage
	return c.request(ctx, http.MethodPut, "bug/"+strconv.Itoa(id), diff, &result)
}

// request performs a single REST call, decoding the response into v
func (c *Client) request(ctx context.Context, method, path string, body, v interface{}) error {
	req, err := c.client.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return types.WrapTaskError(err)
	}

	resp, err := c.client.Do(req, v)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		c.logger.Error("bugzilla request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return types.WrapTaskError(err)
	}

	return nil
}

func orEmptyList(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}
