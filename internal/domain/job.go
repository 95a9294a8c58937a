// Package domain defines the wire-level types shared across the worker:
// the job request, the job response, and instance metadata.
package domain

import "encoding/json"

// Execution types accepted in Job.ExecutionType.
const (
	ExecutionTypeFunction = "function"
	ExecutionTypeClass    = "class"
)

// DefaultMethodName is used when a class job omits method_name.
const DefaultMethodName = "__call__"

// Job is one invocation request. Blob-valued fields (args, kwargs,
// constructor args) carry base64-encoded self-describing serializations
// that are opaque to the worker.
type Job struct {
	ExecutionType string `json:"execution_type,omitempty"`

	FunctionName string `json:"function_name,omitempty"`
	FunctionCode string `json:"function_code,omitempty"`

	ClassName  string `json:"class_name,omitempty"`
	ClassCode  string `json:"class_code,omitempty"`
	MethodName string `json:"method_name,omitempty"`

	Args   []string          `json:"args,omitempty"`
	Kwargs map[string]string `json:"kwargs,omitempty"`

	ConstructorArgs   []string          `json:"constructor_args,omitempty"`
	ConstructorKwargs map[string]string `json:"constructor_kwargs,omitempty"`

	InstanceID        string `json:"instance_id,omitempty"`
	CreateNewInstance bool   `json:"create_new_instance,omitempty"`

	Dependencies       []string `json:"dependencies,omitempty"`
	SystemDependencies []string `json:"system_dependencies,omitempty"`

	AccelerateDownloads bool `json:"accelerate_downloads,omitempty"`
}

// IsLive reports whether the job carries inline source. A job without
// inline source is a Flash (pre-deployed) job resolved via the manifest.
func (j *Job) IsLive() bool {
	return j.FunctionCode != "" || j.ClassCode != ""
}

// IsClass reports whether the job targets a class method.
func (j *Job) IsClass() bool {
	return j.ExecutionType == ExecutionTypeClass
}

// Method returns the requested method name, defaulting to __call__.
func (j *Job) Method() string {
	if j.MethodName == "" {
		return DefaultMethodName
	}
	return j.MethodName
}

// Target names the callable the job addresses, for logs and errors.
func (j *Job) Target() string {
	if j.IsClass() {
		return j.ClassName
	}
	return j.FunctionName
}

// Sanitized returns a copy of the job suitable for forwarding to a sibling
// endpoint: credential-bearing fields are never part of Job, so this is a
// plain copy today, kept as a seam so redaction stays in one place.
func (j *Job) Sanitized() *Job {
	cp := *j
	return &cp
}

// Envelope is the ingress shape: the job wrapped in an "input" field.
type Envelope struct {
	Input json.RawMessage `json:"input"`
}

// Response is the result of one job. Exactly one of Result or Error is
// meaningful; Stdout always carries captured output and log lines.
type Response struct {
	Success      bool              `json:"success"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Stdout       string            `json:"stdout,omitempty"`
	InstanceID   string            `json:"instance_id,omitempty"`
	InstanceInfo *InstanceMetadata `json:"instance_info,omitempty"`
}

// Ok builds a success response.
func Ok(result, stdout string) *Response {
	return &Response{Success: true, Result: result, Stdout: stdout}
}

// Fail builds a failure response.
func Fail(err, stdout string) *Response {
	return &Response{Success: false, Error: err, Stdout: stdout}
}

// PrependStdout prefixes captured worker-side log lines onto the response
// output, keeping user output last.
func (r *Response) PrependStdout(lines string) {
	if lines == "" {
		return
	}
	if r.Stdout == "" {
		r.Stdout = lines
		return
	}
	r.Stdout = lines + "\n\n" + r.Stdout
}

// InstanceMetadata tracks a live class instance in the registry.
type InstanceMetadata struct {
	ClassName   string `json:"class_name"`
	CreatedAt   string `json:"created_at"`
	MethodCalls int64  `json:"method_calls"`
	LastUsed    string `json:"last_used"`
}

// Clone returns a shallow copy for inclusion in a response.
func (m *InstanceMetadata) Clone() *InstanceMetadata {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
