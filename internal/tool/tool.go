// Package tool defines the contract every business-logic tool implements:
// a unique name, a human description, a JSON input schema for discovery, and
// a handler that runs against one tenant.
//
// Tools are built from typed handlers with [New]. The input type In is
// reflected into a JSON schema; incoming arguments are validated in two
// layers before the handler sees them:
//
//  1. Structural: every property is checked against its schema (type, enum,
//     format) and all failures are collected.
//  2. Semantic: if In implements [Validator], its Validate method runs on the
//     decoded value and again all failures are collected.
//
// The tenant id is never part of the caller-visible schema. The dispatcher
// injects it into the input under [TenantField] before validation, so a tenant
// id supplied by the caller is always overwritten.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tool is a schema-described, tenant-scoped operation.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the published JSON schema of the input, without
	// tenant_id. The returned map must not be modified.
	Schema() map[string]any

	Tags() []string

	// Timeout is the tool's own handler budget; zero means the dispatcher
	// default applies.
	Timeout() time.Duration

	// Prepare validates input for tenantID and returns the bound handler
	// call. A validation failure is returned as a *Error of
	// [KindValidation] and no call is produced.
	Prepare(tenantID uuid.UUID, input json.RawMessage) (Call, error)
}

// Call runs a prepared tool invocation and returns its JSON result.
type Call func(ctx context.Context) (json.RawMessage, error)

// Handler is the typed business function behind a tool.
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

// Descriptor is the discovery view of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Tags        []string       `json:"tags,omitempty"`
}

// Describe returns the descriptor of t.
func Describe(t Tool) Descriptor {
	return Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema(),
		Tags:        slices.Clone(t.Tags()),
	}
}

// Invoke validates input and runs t in one step. Dispatchers that need to
// time the two phases separately use [Tool.Prepare] directly.
func Invoke(ctx context.Context, t Tool, tenantID uuid.UUID, input json.RawMessage) (json.RawMessage, error) {
	call, err := t.Prepare(tenantID, input)
	if err != nil {
		return nil, err
	}
	return call(ctx)
}

type typedTool[In, Out any] struct {
	name        string
	description string
	schema      *inputSchema
	handler     Handler[In, Out]
	opts        options
}

// New builds a [Tool] from a typed handler. In must be a struct with a
// uuid.UUID field tagged `json:"tenant_id"`. New fails if the name is empty,
// the handler is nil, or the schema of In cannot be generated.
func New[In, Out any](name, description string, handler Handler[In, Out], opts ...Option) (Tool, error) {
	if name == "" {
		return nil, errors.New("tool: name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q: handler must not be nil", name)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	is, err := compileSchema[In]()
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	return &typedTool[In, Out]{
		name:        name,
		description: description,
		schema:      is,
		handler:     handler,
		opts:        o,
	}, nil
}

// MustNew is like [New] but panics on error. It is meant for package-level
// tool catalogues built at process start.
func MustNew[In, Out any](name, description string, handler Handler[In, Out], opts ...Option) Tool {
	t, err := New(name, description, handler, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *typedTool[In, Out]) Name() string           { return t.name }
func (t *typedTool[In, Out]) Description() string    { return t.description }
func (t *typedTool[In, Out]) Schema() map[string]any { return t.schema.published }
func (t *typedTool[In, Out]) Tags() []string         { return t.opts.tags }
func (t *typedTool[In, Out]) Timeout() time.Duration { return t.opts.timeout }

func (t *typedTool[In, Out]) Prepare(tenantID uuid.UUID, input json.RawMessage) (Call, error) {
	in, err := t.decode(tenantID, input)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		out, err := t.handler(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, HandlerFailure(ReasonEncoding, err)
		}
		return data, nil
	}, nil
}

// decode merges the tenant id into input, validates it and produces In.
func (t *typedTool[In, Out]) decode(tenantID uuid.UUID, input json.RawMessage) (In, error) {
	var zero In

	obj, fe := parseObject(input)
	if fe != nil {
		return zero, Validation(fe)
	}
	if tenantID == uuid.Nil {
		delete(obj, TenantField)
	} else {
		obj[TenantField] = tenantID.String()
	}

	if fe := t.schema.check(obj); len(fe) > 0 {
		return zero, Validation(fe)
	}

	canonicalIntegers(obj)
	data, err := json.Marshal(obj)
	if err != nil {
		return zero, HandlerFailure(ReasonInternal, err)
	}
	var in In
	if err := json.Unmarshal(data, &in); err != nil {
		var fe FieldErrors
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) && ute.Field != "" {
			kind := jsonKind(ute.Type.Kind().String())
			if kind == "integer" && strings.HasPrefix(ute.Value, "number") {
				// The literal already passed the integer check, so it
				// does not fit the Go field.
				fe.Add(ute.Field, "is out of range")
			} else {
				fe.Addf(ute.Field, "must be %s", article(kind))
			}
		} else {
			fe.Add("input", err.Error())
		}
		return zero, Validation(fe)
	}

	if v, ok := any(in).(Validator); ok {
		if fe := v.Validate(); len(fe) > 0 {
			return zero, Validation(fe)
		}
	} else if v, ok := any(&in).(Validator); ok {
		if fe := v.Validate(); len(fe) > 0 {
			return zero, Validation(fe)
		}
	}
	return in, nil
}

// parseObject decodes raw into a JSON object. Empty and null input is treated
// as an empty object.
func parseObject(raw json.RawMessage) (map[string]any, FieldErrors) {
	obj := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return obj, nil
	}
	// Numbers stay json.Number so integers beyond 2^53 are not rounded.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		var fe FieldErrors
		fe.Add("input", "is not valid JSON")
		return nil, fe
	}
	m, ok := v.(map[string]any)
	if !ok {
		var fe FieldErrors
		fe.Add("input", "must be an object")
		return nil, fe
	}
	maps.Copy(obj, m)
	return obj, nil
}

func jsonKind(goKind string) string {
	switch goKind {
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64":
		return "integer"
	case "float32", "float64":
		return "number"
	case "slice", "array":
		return "array"
	case "struct", "map":
		return "object"
	case "bool":
		return "boolean"
	}
	return "string"
}
