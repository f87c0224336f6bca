package temporal

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/config"
	"github.com/nucleus/capture-api/internal/params"
)

// Preview schedule and workflow IDs.
const (
	PreviewScheduleID   = "preview-tick"
	PreviewManualTickID = "preview-tick-manual"
)

// Client wraps the Temporal client with helper methods.
type Client struct {
	client    client.Client
	taskQueue string
	chunkSize int
}

// NewClient creates a new Temporal client.
func NewClient(cfg *config.Config, logger log.Logger) (*Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return NewClientWith(c, cfg.TemporalTaskQueue, cfg.CloneChunkSize), nil
}

// NewClientWith wraps an existing Temporal client.
func NewClientWith(c client.Client, taskQueue string, chunkSize int) *Client {
	return &Client{client: c, taskQueue: taskQueue, chunkSize: chunkSize}
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.client.Close()
}

// TaskQueue returns the default task queue name.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Client returns the underlying Temporal client.
func (c *Client) Client() client.Client {
	return c.client
}

// =============================================================================
// WORKFLOW EXECUTION HELPERS
// =============================================================================

// WorkflowOptions creates standard workflow options. Clone runs are never
// retried as a whole; failed units are reported instead.
func (c *Client) WorkflowOptions(workflowID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: 24 * time.Hour,
		WorkflowTaskTimeout:      10 * time.Second,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
}

// Dispatch starts the clone workflow of a submission.
func (c *Client) Dispatch(ctx context.Context, sub clone.Submission) error {
	opts := c.WorkflowOptions(sub.WorkflowID)
	opts.StartDelay = sub.Delay

	in := sub.Params
	if c.chunkSize > 0 {
		in = params.Merge(sub.Params, params.Set{KeyChunkSize: int64(c.chunkSize)})
	}
	if _, err := c.client.ExecuteWorkflow(ctx, opts, CloneRunWorkflow, in); err != nil {
		return fmt.Errorf("failed to start clone workflow %s: %w", sub.WorkflowID, err)
	}
	return nil
}

var _ clone.Dispatcher = (*Client)(nil)

// StartPreviewTick starts a preview tick now. A tick that is still running
// is returned instead of starting a second one.
func (c *Client) StartPreviewTick(ctx context.Context) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:                  PreviewManualTickID,
		TaskQueue:           c.taskQueue,
		WorkflowRunTimeout:  10 * time.Minute,
		WorkflowTaskTimeout: 10 * time.Second,
	}
	return c.client.ExecuteWorkflow(ctx, opts, PreviewTickWorkflow)
}

// TriggerPreviewTick starts a preview tick and returns its IDs.
func (c *Client) TriggerPreviewTick(ctx context.Context) (workflowID, runID string, err error) {
	run, err := c.StartPreviewTick(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to start preview tick: %w", err)
	}
	return run.GetID(), run.GetRunID(), nil
}

// CloneRunState is the engine-side view of a clone run.
type CloneRunState struct {
	WorkflowID string          `json:"workflowId"`
	Status     string          `json:"status"`
	Remap      *clone.Snapshot `json:"remap,omitempty"`
}

// DescribeCloneRun returns the engine status of a clone run and, while it
// is open, its live remap.
func (c *Client) DescribeCloneRun(ctx context.Context, workflowID string) (*CloneRunState, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", workflowID, err)
	}
	status := desc.GetWorkflowExecutionInfo().GetStatus()
	state := &CloneRunState{WorkflowID: workflowID, Status: status.String()}
	if status != enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return state, nil
	}

	value, err := c.client.QueryWorkflow(ctx, workflowID, "", RunContextQuery)
	if err != nil {
		return state, fmt.Errorf("failed to query %s: %w", workflowID, err)
	}
	var snap clone.Snapshot
	if err := value.Get(&snap); err != nil {
		return state, err
	}
	state.Remap = &snap
	return state, nil
}

// =============================================================================
// SCHEDULE HELPERS
// =============================================================================

// EnsurePreviewSchedule creates or updates the schedule that starts preview
// ticks. Overlapping ticks are skipped so at most one runs at a time.
func (c *Client) EnsurePreviewSchedule(ctx context.Context, cronExpr, timezone string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, PreviewScheduleID)

	// Check if schedule exists
	if _, err := handle.Describe(ctx); err == nil {
		return c.updatePreviewSchedule(ctx, cronExpr, timezone)
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID:      PreviewScheduleID,
		Spec:    previewScheduleSpec(cronExpr, timezone),
		Action:  c.previewScheduleAction(),
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil {
		return fmt.Errorf("failed to create preview schedule: %w", err)
	}
	return nil
}

func (c *Client) updatePreviewSchedule(ctx context.Context, cronExpr, timezone string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, PreviewScheduleID)

	return handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			spec := previewScheduleSpec(cronExpr, timezone)
			input.Description.Schedule.Spec = &spec
			input.Description.Schedule.Action = c.previewScheduleAction()
			if input.Description.Schedule.Policy == nil {
				input.Description.Schedule.Policy = &client.SchedulePolicies{}
			}
			input.Description.Schedule.Policy.Overlap = enumspb.SCHEDULE_OVERLAP_POLICY_SKIP
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
}

func previewScheduleSpec(cronExpr, timezone string) client.ScheduleSpec {
	return client.ScheduleSpec{
		CronExpressions: []string{cronExpr},
		TimeZoneName:    timezone,
	}
}

func (c *Client) previewScheduleAction() *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:                  PreviewScheduleID + "-run",
		Workflow:            PreviewTickWorkflow,
		TaskQueue:           c.taskQueue,
		WorkflowRunTimeout:  10 * time.Minute,
		WorkflowTaskTimeout: 10 * time.Second,
	}
}

// PausePreviewSchedule pauses the preview schedule.
func (c *Client) PausePreviewSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, PreviewScheduleID)
	return handle.Pause(ctx, client.SchedulePauseOptions{})
}

// UnpausePreviewSchedule resumes the preview schedule.
func (c *Client) UnpausePreviewSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, PreviewScheduleID)
	return handle.Unpause(ctx, client.ScheduleUnpauseOptions{})
}
