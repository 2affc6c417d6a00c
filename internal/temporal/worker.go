package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/darenhua/coursesync/internal/config"
)

// Dial connects to the Temporal service described by cfg.
func Dial(cfg config.Temporal) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// StartWorker registers the sync pipeline workflow and activities on the
// configured task queue and runs until the interrupt channel fires.
func StartWorker(c client.Client, cfg config.Temporal, acts *Activities, logger *slog.Logger) error {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(SyncPipelineWorkflow)

	w.RegisterActivity(acts.CreateJobsActivity)
	w.RegisterActivity(acts.CrawlCourseActivity)
	w.RegisterActivity(acts.FindAssignmentsActivity)
	w.RegisterActivity(acts.FindDueDatesActivity)
	w.RegisterActivity(acts.CompleteGroupActivity)

	logger.Info("temporal worker starting", "task_queue", cfg.TaskQueue, "host", cfg.HostPort)
	return w.Run(worker.InterruptCh())
}

// StartSync launches a SyncPipelineWorkflow for a user and returns the
// workflow ID and run ID. The workflow ID combines the user id with the
// start time in Unix seconds, so runs for the same user started in
// different seconds get distinct IDs.
func StartSync(ctx context.Context, c client.Client, cfg config.Temporal, input SyncPipelineInput) (string, string, error) {
	timeout := cfg.WorkflowExecutionTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	opts := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("course-sync-%s-%d", input.UserID, time.Now().Unix()),
		TaskQueue:                cfg.TaskQueue,
		WorkflowExecutionTimeout: timeout,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, SyncPipelineWorkflow, input)
	if err != nil {
		return "", "", fmt.Errorf("temporal: start sync: %w", err)
	}
	return run.GetID(), run.GetRunID(), nil
}

// RunSync starts a pipeline run and blocks until it finishes, returning
// the aggregate result. Used by the one-shot CLI trigger mode.
func RunSync(ctx context.Context, c client.Client, cfg config.Temporal, input SyncPipelineInput) (*SyncPipelineResult, error) {
	timeout := cfg.WorkflowExecutionTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	opts := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("course-sync-%s-%d", input.UserID, time.Now().Unix()),
		TaskQueue:                cfg.TaskQueue,
		WorkflowExecutionTimeout: timeout,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, SyncPipelineWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start sync: %w", err)
	}
	var result SyncPipelineResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("temporal: sync %s: %w", run.GetID(), err)
	}
	return &result, nil
}

// Starter adapts a Temporal client to the API server's SyncStarter.
type Starter struct {
	Client client.Client
	Cfg    config.Temporal
}

// StartSync launches the pipeline without waiting for it.
func (s *Starter) StartSync(ctx context.Context, input SyncPipelineInput) (string, string, error) {
	return StartSync(ctx, s.Client, s.Cfg, input)
}
