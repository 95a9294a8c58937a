package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/runpod-workers/worker-flash/internal/codec"
	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/executor"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/runner"
)

// classRoute is one registered class-method endpoint.
type classRoute struct {
	className  string
	methodName string
	methods    map[string]bool
}

// routeTable maps paths to registered class-method routes. Routes are
// added while the server runs (class registration happens per request),
// so lookups and inserts are mutex-guarded.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]*classRoute
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]*classRoute)}
}

func (t *routeTable) lookup(path, method string) (*classRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[path]
	if !ok || !route.methods[method] {
		return nil, false
	}
	return route, true
}

// registerClass asks the runner to materialize the class and scan it for
// endpoint-annotated methods, then installs a route per method.
func (t *routeTable) registerClass(ctx context.Context, exec *executor.Executor, job *domain.Job) error {
	resp, err := exec.Runner().Call(ctx, &runner.Request{
		Op:        "register_class",
		ClassName: job.ClassName,
		ClassCode: job.ClassCode,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ep := range resp.Endpoints {
		methods := make(map[string]bool, len(ep.HTTPMethods))
		for _, m := range ep.HTTPMethods {
			methods[m] = true
		}
		t.routes[ep.Route] = &classRoute{
			className:  job.ClassName,
			methodName: ep.MethodName,
			methods:    methods,
		}
		logging.Op().Debug("registered endpoint route",
			"route", ep.Route, "class", job.ClassName, "method", ep.MethodName)
	}
	if len(resp.Endpoints) > 0 {
		logging.Op().Info("registered class endpoints", "class", job.ClassName, "count", len(resp.Endpoints))
	}
	return nil
}

// call invokes the route's method on the class's shared default instance
// and decodes the result for the HTTP reply.
func (r *classRoute) call(ctx context.Context, exec *executor.Executor, kwargs map[string]interface{}) (interface{}, error) {
	encoded, err := codec.EncodeKwargs(kwargs)
	if err != nil {
		return nil, err
	}

	instanceID := r.className + "_default"
	job := &domain.Job{
		ExecutionType:     domain.ExecutionTypeClass,
		ClassName:         r.className,
		MethodName:        r.methodName,
		Kwargs:            encoded,
		InstanceID:        instanceID,
		CreateNewInstance: !exec.Classes().Registry().Has(instanceID),
	}

	resp := exec.Classes().Execute(ctx, job)
	if !resp.Success {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	if resp.Result == "" {
		return nil, nil
	}
	return codec.Decode(resp.Result)
}
