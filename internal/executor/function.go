package executor

import (
	"context"

	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/runner"
)

// FunctionExecutor materializes inline function source in the runner and
// invokes it with the job's decoded arguments. Output capture and the
// sync/async distinction happen runner-side; deserialization failures
// surface as execution errors, not caller errors.
type FunctionExecutor struct {
	client runner.Caller
}

// NewFunctionExecutor creates a FunctionExecutor over the runner client.
func NewFunctionExecutor(client runner.Caller) *FunctionExecutor {
	return &FunctionExecutor{client: client}
}

// Execute runs an inline function job.
func (e *FunctionExecutor) Execute(ctx context.Context, job *domain.Job) *domain.Response {
	resp, err := e.client.Call(ctx, &runner.Request{
		Op:           "execute_function",
		FunctionName: job.FunctionName,
		FunctionCode: job.FunctionCode,
		Args:         job.Args,
		Kwargs:       job.Kwargs,
	})
	if err != nil {
		return domain.Fail("failed to execute function: "+err.Error(), "")
	}
	if !resp.OK {
		return domain.Fail(resp.Error, resp.Stdout)
	}
	return domain.Ok(resp.Result, resp.Stdout)
}
