package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

// TenantField is the input property that carries the tenant id. It is
// injected by the dispatcher and never part of the published schema.
const TenantField = "tenant_id"

// typeSchemas maps Go types that jsonschema-go cannot infer on its own.
var typeSchemas = map[reflect.Type]*jsonschema.Schema{
	reflect.TypeFor[uuid.UUID](): {Type: "string", Format: "uuid"},
}

// inputSchema is the compiled form of a tool's input type.
type inputSchema struct {
	// published is the schema advertised to callers, without tenant_id.
	published map[string]any

	// props holds a per-property validator; validating properties one by
	// one lets every failing field be reported instead of only the first.
	props    map[string]*propertySchema
	required []string
}

type propertySchema struct {
	typ      string
	enum     []any
	resolved *jsonschema.Resolved
}

// compileSchema reflects In into a JSON schema, enriches it from struct tags,
// and prepares per-property validators.
func compileSchema[In any]() (*inputSchema, error) {
	s, err := jsonschema.For[In](&jsonschema.ForOptions{TypeSchemas: typeSchemas})
	if err != nil {
		return nil, fmt.Errorf("reflect input schema: %w", err)
	}
	if s == nil {
		return nil, errors.New("reflect input schema: nil schema")
	}
	root, err := toMap(s)
	if err != nil {
		return nil, err
	}
	delete(root, "$schema")
	delete(root, "$id")
	enrichFromStructTags(root, reflect.TypeFor[In]())

	props, _ := root["properties"].(map[string]any)
	if _, ok := props[TenantField]; !ok {
		return nil, fmt.Errorf("input type %s has no %q field", reflect.TypeFor[In](), TenantField)
	}

	is := &inputSchema{
		props:    make(map[string]*propertySchema, len(props)),
		required: asStrings(root["required"]),
	}
	for name, raw := range props {
		p, _ := raw.(map[string]any)
		ps, err := compileProperty(p)
		if err != nil {
			return nil, fmt.Errorf("compile property %q: %w", name, err)
		}
		is.props[name] = ps
	}

	published := maps.Clone(root)
	pubProps := maps.Clone(props)
	delete(pubProps, TenantField)
	published["properties"] = pubProps
	published["required"] = slices.DeleteFunc(slices.Clone(is.required), func(s string) bool { return s == TenantField })
	if len(published["required"].([]string)) == 0 {
		delete(published, "required")
	}
	is.published = published
	return is, nil
}

func compileProperty(p map[string]any) (*propertySchema, error) {
	ps := &propertySchema{}
	switch t := p["type"].(type) {
	case string:
		ps.typ = t
	case []any:
		// Nullable fields reflect as ["null", T]; nil values are skipped
		// before the type check.
		for _, x := range t {
			if s, ok := x.(string); ok && s != "null" {
				ps.typ = s
			}
		}
	}
	if e, ok := p["enum"].([]any); ok {
		ps.enum = e
	}
	// The library validates everything except type and enum, which get
	// caller-friendly messages of their own.
	structural := maps.Clone(p)
	delete(structural, "type")
	delete(structural, "enum")
	delete(structural, "description")
	data, err := json.Marshal(structural)
	if err != nil {
		return nil, err
	}
	var sub jsonschema.Schema
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, err
	}
	if ps.resolved, err = sub.Resolve(nil); err != nil {
		return nil, err
	}
	return ps, nil
}

// check validates the decoded input object and returns every failure.
func (is *inputSchema) check(input map[string]any) FieldErrors {
	var fe FieldErrors
	for _, r := range is.required {
		if v, ok := input[r]; !ok || v == nil {
			fe.Add(r, "is required")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(input)) {
		v := input[name]
		ps, ok := is.props[name]
		if !ok {
			fe.Add(name, "is not a recognised field")
			continue
		}
		if v == nil {
			continue
		}
		if ps.typ != "" && !matchesType(ps.typ, v) {
			fe.Addf(name, "must be %s", article(ps.typ))
			continue
		}
		if len(ps.enum) > 0 && !slices.Contains(ps.enum, v) {
			fe.Addf(name, "must be one of %s", joinAny(ps.enum))
			continue
		}
		if err := ps.resolved.Validate(plainNumbers(v)); err != nil {
			fe.Add(name, trimValidationMessage(err))
		}
	}
	return fe
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		switch n := v.(type) {
		case json.Number:
			return isInteger(n)
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
		return false
	case "number":
		switch n := v.(type) {
		case json.Number:
			_, err := n.Float64()
			return err == nil
		case float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// isInteger accepts integral literals of any size, including "1e3" and
// "2.0" as JSON Schema does.
func isInteger(n json.Number) bool {
	if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return true
	}
	r, ok := new(big.Rat).SetString(n.String())
	return ok && r.IsInt()
}

// canonicalIntegers rewrites integral literals such as "1e3" or "2.0" as
// plain digits so they decode into Go integer fields.
func canonicalIntegers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if _, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return x
		}
		if r, ok := new(big.Rat).SetString(x.String()); ok && r.IsInt() {
			return json.Number(r.Num().String())
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = canonicalIntegers(e)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = canonicalIntegers(e)
		}
	}
	return v
}

// plainNumbers converts json.Number values to float64 for the schema
// library, which works on the standard decoded forms. Only range keywords
// see the converted value; type checks run on the exact literal.
func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainNumbers(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainNumbers(e)
		}
		return out
	}
	return v
}

func article(typ string) string {
	switch typ {
	case "integer", "array", "object":
		return "an " + typ
	}
	return "a " + typ
}

func joinAny(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

// trimValidationMessage drops the schema-path prefix the library adds.
func trimValidationMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		msg = msg[i+2:]
	}
	return msg
}

// enrichFromStructTags copies description and enum struct tags onto the
// matching root properties.
func enrichFromStructTags(root map[string]any, typ reflect.Type) {
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return
	}
	props, ok := root["properties"].(map[string]any)
	if !ok {
		return
	}
	for i := range typ.NumField() {
		f := typ.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if desc := f.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		if enumTag := f.Tag.Get("enum"); enumTag != "" {
			parts := strings.Split(enumTag, ",")
			enum := make([]any, len(parts))
			for i, p := range parts {
				enum[i] = strings.TrimSpace(p)
			}
			prop["enum"] = enum
		}
	}
}

func toMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return m, nil
}

func asStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, x := range vs {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
