package domain

import (
	"strings"
	"testing"
)

func TestParseEnvelopeWrapped(t *testing.T) {
	body := []byte(`{"input":{"function_name":"hello","function_code":"def hello(): return 'hi'"}}`)
	job, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if job.FunctionName != "hello" {
		t.Fatalf("expected function_name hello, got %q", job.FunctionName)
	}
	if job.ExecutionType != ExecutionTypeFunction {
		t.Fatalf("expected default execution_type function, got %q", job.ExecutionType)
	}
	if !job.IsLive() {
		t.Fatal("job with inline code should be live")
	}
}

func TestParseEnvelopeDirect(t *testing.T) {
	body := []byte(`{"execution_type":"class","class_name":"Counter","method_name":"inc"}`)
	job, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if !job.IsClass() || job.ClassName != "Counter" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.IsLive() {
		t.Fatal("job without source should be flash mode")
	}
}

func TestParseEnvelopeToleratesUnknownFields(t *testing.T) {
	body := []byte(`{"input":{"function_name":"f","webhook":"http://x","policy":{"ttl":1}}}`)
	if _, err := ParseEnvelope(body); err != nil {
		t.Fatalf("unknown fields should be tolerated: %v", err)
	}
}

func TestParseEnvelopeMissingName(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"input":{"function_code":"def f(): pass"}}`)); err == nil {
		t.Fatal("expected error for missing function_name")
	}
	if _, err := ParseEnvelope([]byte(`{"input":{"execution_type":"class"}}`)); err == nil {
		t.Fatal("expected error for missing class_name")
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"input":`))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected malformed envelope error, got %v", err)
	}
}

func TestNormalizeRejectsUnknownType(t *testing.T) {
	job := &Job{ExecutionType: "batch", FunctionName: "f"}
	if err := job.Normalize(); err == nil {
		t.Fatal("expected error for unknown execution_type")
	}
}

func TestMethodDefault(t *testing.T) {
	job := &Job{}
	if got := job.Method(); got != DefaultMethodName {
		t.Fatalf("expected default method %q, got %q", DefaultMethodName, got)
	}
	job.MethodName = "inc"
	if got := job.Method(); got != "inc" {
		t.Fatalf("expected inc, got %q", got)
	}
}

func TestResponseExclusivity(t *testing.T) {
	ok := Ok("blob", "out")
	if !ok.Success || ok.Error != "" || ok.Result != "blob" {
		t.Fatalf("unexpected ok response: %+v", ok)
	}
	bad := Fail("boom", "out")
	if bad.Success || bad.Result != "" || bad.Error != "boom" {
		t.Fatalf("unexpected fail response: %+v", bad)
	}
}

func TestPrependStdout(t *testing.T) {
	r := Ok("", "user output")
	r.PrependStdout("worker logs")
	if r.Stdout != "worker logs\n\nuser output" {
		t.Fatalf("unexpected stdout: %q", r.Stdout)
	}

	r2 := Ok("", "")
	r2.PrependStdout("only logs")
	if r2.Stdout != "only logs" {
		t.Fatalf("unexpected stdout: %q", r2.Stdout)
	}

	r3 := Ok("", "kept")
	r3.PrependStdout("")
	if r3.Stdout != "kept" {
		t.Fatalf("unexpected stdout: %q", r3.Stdout)
	}
}
