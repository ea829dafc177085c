package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/orbit/internal/jobs"
)

// JobsKey is the reserved extension key for the jobs built-in.
const JobsKey = "jobs"

// JobsClient implements Client for the job_status built-in, backed by a
// jobs.Store the Agent Orchestrator records every dispatched tool call
// into (see Orchestrator.SetJobStore). It lets a running conversation ask
// about the status of a tool call that is still in flight, or was
// dispatched by an earlier turn, without blocking on it.
type JobsClient struct {
	store jobs.Store
}

// NewJobsClient builds the jobs built-in over store.
func NewJobsClient(store jobs.Store) *JobsClient {
	return &JobsClient{store: store}
}

func (c *JobsClient) Tools(ctx context.Context) ([]ToolDef, error) {
	return []ToolDef{
		{
			Name:        "job_status",
			Description: "Look up the status and result of a previously dispatched tool call by its id.",
			InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		},
		{
			Name:        "job_list",
			Description: "List recently dispatched tool calls and their status.",
			InputSchema: []byte(`{"type":"object","properties":{"limit":{"type":"number"}}}`),
		},
		{
			Name:        "job_cancel",
			Description: "Cancel a running or queued tool call by its id.",
			InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		},
	}, nil
}

func (c *JobsClient) Call(ctx context.Context, tool string, arguments []byte) (CallResult, error) {
	switch tool {
	case "job_status":
		var in struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode job_status arguments: %w", err)
		}
		job, err := c.store.Get(ctx, in.ID)
		if err != nil {
			return CallResult{}, fmt.Errorf("get job: %w", err)
		}
		if job == nil {
			return CallResult{Content: textContent(fmt.Sprintf("no such job: %q", in.ID)), IsError: true}, nil
		}
		return jsonResult(job)

	case "job_list":
		var in struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(arguments, &in)
		list, err := c.store.List(ctx, in.Limit, 0)
		if err != nil {
			return CallResult{}, fmt.Errorf("list jobs: %w", err)
		}
		return jsonResult(list)

	case "job_cancel":
		var in struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode job_cancel arguments: %w", err)
		}
		if err := c.store.Cancel(ctx, in.ID); err != nil {
			return CallResult{}, fmt.Errorf("cancel job: %w", err)
		}
		return CallResult{Content: textContent(fmt.Sprintf("cancelled %q", in.ID))}, nil

	default:
		return CallResult{}, fmt.Errorf("jobs has no tool %q", tool)
	}
}

func (c *JobsClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	return nil, "", false, fmt.Errorf("jobs has no resource %q", uri)
}

func (c *JobsClient) Close() error { return nil }

func jsonResult(v any) (CallResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return CallResult{}, fmt.Errorf("marshal job result: %w", err)
	}
	return CallResult{Content: textContent(string(data))}, nil
}
