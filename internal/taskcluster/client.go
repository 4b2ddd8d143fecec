// Package taskcluster talks to the Taskcluster queue: task submission, task
// lookups and artifact downloads.
package taskcluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tcurls "github.com/taskcluster/taskcluster-lib-urls"
	"github.com/taskcluster/taskcluster/v44/clients/client-go/tcqueue"
	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/taskgraph"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// RequestTimeout bounds artifact and URL downloads
const RequestTimeout = 60 * time.Second

// queueAPI is the subset of the queue service we use
type queueAPI interface {
	CreateTask(taskID string, payload *tcqueue.TaskDefinitionRequest) (*tcqueue.TaskStatusResponse, error)
	Task(taskID string) (*tcqueue.TaskDefinitionResponse, error)
}

// TaskInfo is the part of a task definition later stages need
type TaskInfo struct {
	TaskGroupID  string
	Dependencies []string
}

// Client wraps the Taskcluster queue
type Client struct {
	queue      queueAPI
	rootURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a queue client for rootURL. Requests are unauthenticated;
// inside a task rootURL should point at the taskcluster proxy.
func NewClient(rootURL string, logger *zap.Logger) *Client {
	return newClient(tcqueue.New(nil, rootURL), rootURL, logger)
}

func newClient(queue queueAPI, rootURL string, logger *zap.Logger) *Client {
	return &Client{
		queue:      queue,
		rootURL:    strings.TrimRight(rootURL, "/"),
		httpClient: &http.Client{Timeout: RequestTimeout},
		logger:     logger,
	}
}

// CreateTask submits a task definition under taskID
func (c *Client) CreateTask(ctx context.Context, taskID string, task *taskgraph.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The queue client's request type uses its own time and payload types,
	// so the definition is bridged through its JSON form.
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", taskID, err)
	}
	var req tcqueue.TaskDefinitionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("failed to convert task %s: %w", taskID, err)
	}

	if _, err := c.queue.CreateTask(taskID, &req); err != nil {
		return types.WrapTaskErrorf(err, fmt.Sprintf("failed to create task %s: %v", taskID, err))
	}

	c.logger.Info("created task",
		zap.String("task_id", taskID),
		zap.String("worker_type", task.WorkerType),
	)
	return nil
}

// Task looks up the definition of taskID
func (c *Client) Task(ctx context.Context, taskID string) (*TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	def, err := c.queue.Task(taskID)
	if err != nil {
		return nil, types.WrapTaskErrorf(err, fmt.Sprintf("failed to fetch task %s: %v", taskID, err))
	}

	return &TaskInfo{
		TaskGroupID:  def.TaskGroupID,
		Dependencies: def.Dependencies,
	}, nil
}

// ArtifactURL is the queue URL of the latest run's artifact
func (c *Client) ArtifactURL(taskID, name string) string {
	return tcurls.API(c.rootURL, "queue", "v1", fmt.Sprintf("task/%s/artifacts/%s", taskID, name))
}

// FetchArtifact streams an artifact of taskID. The caller closes the body.
func (c *Client) FetchArtifact(ctx context.Context, taskID, name string) (io.ReadCloser, error) {
	c.logger.Info("fetching artifact", zap.String("task_id", taskID), zap.String("artifact", name))
	return c.get(ctx, c.ArtifactURL(taskID, name))
}

// FetchJSONArtifact decodes a JSON artifact of taskID into v
func (c *Client) FetchJSONArtifact(ctx context.Context, taskID, name string, v any) error {
	body, err := c.FetchArtifact(ctx, taskID, name)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return types.WrapTaskErrorf(err, fmt.Sprintf("invalid artifact %s: %v", name, err))
	}
	return nil
}

// GetURL streams the content of url. The caller closes the body.
func GetURL(ctx context.Context, url string) (io.ReadCloser, error) {
	return get(ctx, &http.Client{Timeout: RequestTimeout}, url)
}

func (c *Client) get(ctx context.Context, url string) (io.ReadCloser, error) {
	return get(ctx, c.httpClient, url)
}

// get follows redirects, which the queue uses to hand out artifact storage
// URLs
func get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.WrapTaskError(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, types.WrapTaskError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, types.NewTaskError(fmt.Sprintf("%d %s for url: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), url))
	}
	return resp.Body, nil
}
