package dispatch

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/MrWong99/greenline/internal/tool"
)

// Request is the invocation envelope: which tool, for which tenant, with
// what input. Input is the caller's raw JSON object and must not contain
// tenant_id; if it does, the envelope's TenantID wins.
type Request struct {
	Tool     string          `json:"tool"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *tool.Error     `json:"error,omitempty"`
}

// OK reports whether the response is a success.
func (r Response) OK() bool { return r.Error == nil }

// Err returns the response error as an error value, or nil on success.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Success wraps a handler result.
func Success(result json.RawMessage) Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Response{Result: result}
}

// Failure wraps any error, normalising it into the tool error taxonomy.
func Failure(err error) Response {
	return Response{Error: tool.Normalize(err)}
}
