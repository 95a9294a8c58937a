package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/runpod-workers/worker-flash/internal/codec"
	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/runner"
)

// fakeRunner scripts runner replies and records requests.
type fakeRunner struct {
	requests []*runner.Request
	reply    func(req *runner.Request) *runner.Response
}

func (f *fakeRunner) Call(ctx context.Context, req *runner.Request) (*runner.Response, error) {
	f.requests = append(f.requests, req)
	return f.reply(req), nil
}

// counterRunner simulates the Counter class from the inline-class contract:
// construct-or-reuse plus an inc method returning successive integers.
func counterRunner() *fakeRunner {
	state := map[string]int64{}
	f := &fakeRunner{}
	f.reply = func(req *runner.Request) *runner.Response {
		id := req.InstanceID
		if req.CreateNewInstance {
			if id == "" {
				id = req.GeneratedInstanceID
			}
			state[id] = 0
		}
		if _, ok := state[id]; !ok {
			return &runner.Response{OK: false, Error: "Class 'Counter' not found in the provided code"}
		}
		state[id]++
		blob, _ := codec.Encode(state[id])
		return &runner.Response{
			OK:         true,
			Result:     blob,
			InstanceID: id,
			Created:    req.CreateNewInstance,
		}
	}
	return f
}

func TestClassConstructThenReuse(t *testing.T) {
	f := counterRunner()
	e := NewClassExecutor(f, NewInstanceRegistry())

	// First call: construct, method_calls becomes 1, result 1.
	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:     domain.ExecutionTypeClass,
		ClassName:         "Counter",
		ClassCode:         "class Counter: ...",
		MethodName:        "inc",
		CreateNewInstance: true,
	})
	if !resp.Success {
		t.Fatalf("first call failed: %+v", resp)
	}
	if resp.InstanceID == "" || !strings.HasPrefix(resp.InstanceID, "Counter_") {
		t.Fatalf("unexpected instance id %q", resp.InstanceID)
	}
	if v, _ := codec.Decode(resp.Result); v != uint64(1) && v != int64(1) {
		t.Fatalf("expected result 1, got %v", v)
	}
	if resp.InstanceInfo == nil || resp.InstanceInfo.MethodCalls != 1 {
		t.Fatalf("expected method_calls 1, got %+v", resp.InstanceInfo)
	}

	// Second call: reuse by id, no class code resent.
	id := resp.InstanceID
	resp2 := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeClass,
		ClassName:     "Counter",
		MethodName:    "inc",
		InstanceID:    id,
	})
	if !resp2.Success {
		t.Fatalf("second call failed: %+v", resp2)
	}
	if resp2.InstanceID != id {
		t.Fatalf("instance id changed: %q -> %q", id, resp2.InstanceID)
	}
	if v, _ := codec.Decode(resp2.Result); v != uint64(2) && v != int64(2) {
		t.Fatalf("expected result 2, got %v", v)
	}
	if resp2.InstanceInfo.MethodCalls != 2 {
		t.Fatalf("expected method_calls 2, got %d", resp2.InstanceInfo.MethodCalls)
	}

	last := f.requests[len(f.requests)-1]
	if last.CreateNewInstance {
		t.Fatal("reuse call must not request construction")
	}
	if last.ClassCode != "" {
		t.Fatal("reuse call must not resend class code")
	}
}

func TestClassUnknownInstanceFallsBackToConstruction(t *testing.T) {
	f := counterRunner()
	e := NewClassExecutor(f, NewInstanceRegistry())

	// Reuse requested for an id this worker never saw: construct instead.
	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeClass,
		ClassName:     "Counter",
		ClassCode:     "class Counter: ...",
		MethodName:    "inc",
		InstanceID:    "Counter_deadbeef",
	})
	if !resp.Success {
		t.Fatalf("fallback construction failed: %+v", resp)
	}
	if f.requests[0].CreateNewInstance != true {
		t.Fatal("unknown id must trigger construction")
	}
	if resp.InstanceInfo == nil || resp.InstanceInfo.MethodCalls != 1 {
		t.Fatalf("unexpected metadata: %+v", resp.InstanceInfo)
	}
}

func TestClassMethodErrorKeepsMetadataUntouched(t *testing.T) {
	calls := 0
	f := &fakeRunner{}
	f.reply = func(req *runner.Request) *runner.Response {
		calls++
		if calls == 1 {
			id := req.GeneratedInstanceID
			blob, _ := codec.Encode("ok")
			return &runner.Response{OK: true, Result: blob, InstanceID: id, Created: true}
		}
		return &runner.Response{OK: false, Error: "ValueError: boom", InstanceID: req.InstanceID}
	}
	e := NewClassExecutor(f, NewInstanceRegistry())

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:     domain.ExecutionTypeClass,
		ClassName:         "Widget",
		ClassCode:         "class Widget: ...",
		CreateNewInstance: true,
	})
	if !resp.Success {
		t.Fatalf("setup call failed: %+v", resp)
	}
	id := resp.InstanceID

	resp2 := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeClass,
		ClassName:     "Widget",
		InstanceID:    id,
	})
	if resp2.Success {
		t.Fatal("expected method failure")
	}
	if !strings.Contains(resp2.Error, "boom") {
		t.Fatalf("user error should surface: %q", resp2.Error)
	}
	// Metadata counts successes only.
	if meta := e.Registry().Get(id); meta.MethodCalls != 1 {
		t.Fatalf("failed call must not increment method_calls: %+v", meta)
	}
}

func TestFunctionExecutorMapsResults(t *testing.T) {
	blob, _ := codec.Encode("hello world")
	f := &fakeRunner{reply: func(req *runner.Request) *runner.Response {
		if req.Op != "execute_function" || req.FunctionName != "hello" {
			return &runner.Response{OK: false, Error: "unexpected request"}
		}
		return &runner.Response{OK: true, Result: blob, Stdout: ""}
	}}
	e := NewFunctionExecutor(f)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeFunction,
		FunctionName:  "hello",
		FunctionCode:  "def hello(): return 'hello world'",
	})
	if !resp.Success || resp.Stdout != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if v, _ := codec.Decode(resp.Result); v != "hello world" {
		t.Fatalf("expected 'hello world', got %v", v)
	}
}

func TestFunctionExecutorMapsErrors(t *testing.T) {
	f := &fakeRunner{reply: func(req *runner.Request) *runner.Response {
		return &runner.Response{
			OK:     false,
			Error:  "boom\nTraceback (most recent call last):\n  ...\nValueError: boom",
			Stdout: "partial output",
		}
	}}
	e := NewFunctionExecutor(f)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeFunction,
		FunctionName:  "err",
		FunctionCode:  "def err(): raise ValueError('boom')",
	})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "boom") || !strings.Contains(resp.Error, "ValueError") {
		t.Fatalf("error should carry message and type: %q", resp.Error)
	}
	if !strings.Contains(resp.Error, "Traceback") {
		t.Fatalf("error should carry the stack: %q", resp.Error)
	}
	if resp.Stdout != "partial output" {
		t.Fatalf("captured output should survive failures: %q", resp.Stdout)
	}
	if resp.Result != "" {
		t.Fatal("failed call must not carry a result")
	}
}
