package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/mcp"
)

// ValidateArguments checks raw against schema and reports every offending
// field in a single validation error. Empty or null arguments are treated as
// an empty object.
func ValidateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	args := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return apierr.Validation("arguments are not valid JSON", apierr.FieldError{Field: "arguments", Reason: err.Error()})
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return apierr.Validation("arguments must be a JSON object", apierr.FieldError{Field: "arguments", Reason: "expected object, got " + jsonType(v)})
		}
		args = obj
	}

	var errs []apierr.FieldError
	strict := schema.AdditionalProperties != nil && !*schema.AdditionalProperties
	validateObject("", args, schema.Properties, schema.Required, strict, &errs)
	if len(errs) > 0 {
		return apierr.Validation("invalid arguments", errs...)
	}
	return nil
}

func validateObject(prefix string, obj map[string]any, props map[string]mcp.SchemaProperty, required []string, strict bool, errs *[]apierr.FieldError) {
	for _, name := range required {
		if v, ok := obj[name]; !ok || v == nil {
			*errs = append(*errs, apierr.FieldError{Field: join(prefix, name), Reason: "is required"})
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := obj[k]
		p, ok := props[k]
		if !ok {
			if strict {
				*errs = append(*errs, apierr.FieldError{Field: join(prefix, k), Reason: "is not a known field"})
			}
			continue
		}
		if v == nil {
			continue
		}
		validateValue(join(prefix, k), v, p, errs)
	}
}

func validateValue(path string, v any, p mcp.SchemaProperty, errs *[]apierr.FieldError) {
	if p.Type != "" && !typeMatches(p.Type, v) {
		*errs = append(*errs, apierr.FieldError{Field: path, Reason: fmt.Sprintf("expected %s, got %s", p.Type, jsonType(v))})
		return
	}
	if len(p.Enum) > 0 && !inEnum(v, p.Enum) {
		*errs = append(*errs, apierr.FieldError{Field: path, Reason: "must be one of " + enumList(p.Enum)})
		return
	}
	switch val := v.(type) {
	case []any:
		if p.Items == nil {
			return
		}
		for i, item := range val {
			if item == nil {
				continue
			}
			validateValue(fmt.Sprintf("%s[%d]", path, i), item, *p.Items, errs)
		}
	case map[string]any:
		if p.Properties != nil {
			validateObject(path, val, p.Properties, p.Required, true, errs)
		}
	}
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(json.Number)
		return ok
	case "integer":
		n, ok := v.(json.Number)
		if !ok {
			return false
		}
		if _, err := n.Int64(); err == nil {
			return true
		}
		f, err := n.Float64()
		return err == nil && f == float64(int64(f))
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func jsonType(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return reflect.TypeOf(v).String()
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if n, ok := v.(json.Number); ok {
			if fmt.Sprint(e) == n.String() {
				return true
			}
			continue
		}
		if reflect.DeepEqual(v, e) {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return strings.Join(parts, ", ")
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
