package taskrunner

import (
	"fmt"
	"strings"
)

// Verification is the verifier's report for one result against an output
// schema.
type Verification struct {
	Pass           bool     `json:"pass"`
	Score          float64  `json:"score"`
	MissingFields  []string `json:"missingFields,omitempty"`
	TypeMismatches []string `json:"typeMismatches,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Verify checks a result against a subset of JSON Schema: object schemas
// with required fields and property types (string, number, integer,
// boolean, array, object). Nested object properties are checked one level
// at a time through recursion.
func Verify(result any, schema map[string]any) Verification {
	if len(schema) == 0 {
		return Verification{Pass: true, Score: 1}
	}

	v := Verification{}
	checked := 0
	passed := 0
	verifyValue(result, schema, "", &v, &checked, &passed)

	if checked == 0 {
		v.Pass = true
		v.Score = 1
		return v
	}
	v.Score = float64(passed) / float64(checked)
	v.Pass = len(v.MissingFields) == 0 && len(v.TypeMismatches) == 0
	if !v.Pass {
		var parts []string
		if len(v.MissingFields) > 0 {
			parts = append(parts, fmt.Sprintf("missing fields: %s", strings.Join(v.MissingFields, ", ")))
		}
		if len(v.TypeMismatches) > 0 {
			parts = append(parts, fmt.Sprintf("type mismatches: %s", strings.Join(v.TypeMismatches, ", ")))
		}
		v.Reason = strings.Join(parts, "; ")
	}
	return v
}

func verifyValue(value any, schema map[string]any, path string, v *Verification, checked, passed *int) {
	typ, _ := schema["type"].(string)
	if typ == "" {
		return
	}

	*checked++
	if !typeMatches(value, typ) {
		v.TypeMismatches = append(v.TypeMismatches, pathOrRoot(path))
		return
	}
	*passed++

	if typ != "object" {
		return
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return
	}

	required := stringList(schema["required"])
	properties, _ := schema["properties"].(map[string]any)

	for _, field := range required {
		if _, present := obj[field]; !present {
			*checked++
			v.MissingFields = append(v.MissingFields, joinPath(path, field))
		}
	}

	for name, rawPropSchema := range properties {
		propSchema, ok := rawPropSchema.(map[string]any)
		if !ok {
			continue
		}
		fieldValue, present := obj[name]
		if !present {
			continue
		}
		verifyValue(fieldValue, propSchema, joinPath(path, name), v, checked, passed)
	}
}

func typeMatches(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		f, ok := numberValue(value)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func isNumber(value any) bool {
	_, ok := numberValue(value)
	return ok
}

func numberValue(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func pathOrRoot(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
