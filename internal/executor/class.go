package executor

import (
	"context"

	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/runner"
)

// ClassExecutor dispatches a method call onto a class instance hosted in
// the runner, constructing or reusing the instance per the job's request.
//
// Reuse requires all three of: an instance id, create_new_instance=false,
// and the id present in the registry. An unknown id silently constructs a
// new instance, preserving forward compatibility with clients holding ids
// from a previous worker process.
type ClassExecutor struct {
	client   runner.Caller
	registry *InstanceRegistry
}

// NewClassExecutor creates a ClassExecutor over the runner client.
func NewClassExecutor(client runner.Caller, registry *InstanceRegistry) *ClassExecutor {
	return &ClassExecutor{client: client, registry: registry}
}

// Registry exposes the instance registry, mainly for the HTTP surface.
func (e *ClassExecutor) Registry() *InstanceRegistry { return e.registry }

// Execute runs a class-method job.
func (e *ClassExecutor) Execute(ctx context.Context, job *domain.Job) *domain.Response {
	reuse := !job.CreateNewInstance && job.InstanceID != "" && e.registry.Has(job.InstanceID)
	if job.InstanceID != "" && !job.CreateNewInstance && !reuse {
		logging.Op().Debug("unknown instance id, constructing a new instance", "instance_id", job.InstanceID)
	}

	req := &runner.Request{
		Op:                "execute_class_method",
		ClassName:         job.ClassName,
		MethodName:        job.Method(),
		Args:              job.Args,
		Kwargs:            job.Kwargs,
		InstanceID:        job.InstanceID,
		CreateNewInstance: !reuse,
	}
	if !reuse {
		req.ClassCode = job.ClassCode
		req.ConstructorArgs = job.ConstructorArgs
		req.ConstructorKwargs = job.ConstructorKwargs
		req.GeneratedInstanceID = GenerateID(job.ClassName)
	}

	resp, err := e.client.Call(ctx, req)
	if err != nil {
		return domain.Fail("failed to execute class method: "+err.Error(), "")
	}
	if !resp.OK {
		out := domain.Fail(resp.Error, resp.Stdout)
		out.InstanceID = resp.InstanceID
		return out
	}

	if resp.Created {
		e.registry.Register(resp.InstanceID, job.ClassName)
	}
	meta := e.registry.Touch(resp.InstanceID)

	out := domain.Ok(resp.Result, resp.Stdout)
	out.InstanceID = resp.InstanceID
	out.InstanceInfo = meta
	return out
}
