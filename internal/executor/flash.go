package executor

import (
	"context"
	"fmt"

	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/manifest"
	"github.com/runpod-workers/worker-flash/internal/runner"
)

// FlashExecutor runs pre-deployed functions: the manifest names the module
// and attribute, the runner imports and invokes it. An import failure is
// terminal for the job.
type FlashExecutor struct {
	client   runner.Caller
	registry *manifest.ServiceRegistry
}

// NewFlashExecutor creates a FlashExecutor over the runner client and the
// service registry.
func NewFlashExecutor(client runner.Caller, registry *manifest.ServiceRegistry) *FlashExecutor {
	return &FlashExecutor{client: client, registry: registry}
}

// Execute runs a pre-deployed function job locally.
func (e *FlashExecutor) Execute(ctx context.Context, job *domain.Job) *domain.Response {
	if e.registry == nil {
		return domain.Fail(fmt.Sprintf("failed to execute deployed function %q: manifest unavailable", job.FunctionName), "")
	}
	detail, err := e.registry.Detail(job.FunctionName)
	if err != nil {
		return domain.Fail(fmt.Sprintf("failed to execute deployed function %q: %v", job.FunctionName, err), "")
	}

	resp, err := e.client.Call(ctx, &runner.Request{
		Op:     "execute_import",
		Module: detail.Module,
		Name:   job.FunctionName,
		Args:   job.Args,
		Kwargs: job.Kwargs,
	})
	if err != nil {
		return domain.Fail(fmt.Sprintf("failed to execute deployed function %q: %v", job.FunctionName, err), "")
	}
	if !resp.OK {
		return domain.Fail(fmt.Sprintf("failed to execute deployed function %q: %s", job.FunctionName, resp.Error), resp.Stdout)
	}
	return domain.Ok(resp.Result, resp.Stdout)
}
