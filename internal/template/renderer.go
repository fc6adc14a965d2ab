// Package template implements the step input renderer.
//
// Two substitution forms are supported: {{name}} is replaced by the run
// context value, and {{stepId.outputName}} by a prior step's named output.
// Substitution is textual and single-pass: a substituted value is never
// re-scanned, and unresolved placeholders are left verbatim so partial
// templates inserted at runtime stay usable.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_-]+))?\s*\}\}`)

// Render substitutes placeholders in tpl from the run context and the
// accumulated per-step results. It never fails; unknown references are
// kept as-is.
func Render(tpl string, runCtx map[string]string, results map[string]map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		name, output := groups[1], groups[2]

		if output == "" {
			if v, ok := runCtx[name]; ok {
				return v
			}
			return match
		}

		outputs, ok := results[name]
		if !ok {
			return match
		}
		v, ok := outputs[output]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
