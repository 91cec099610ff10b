package executor

import (
	"bytes"
	"text/template"
)

// defaultRenderer is the production Renderer: Go's text/template against
// the step's Vars map. Real DSLs may prefer a different templating
// language; Renderer exists precisely so that choice stays outside the
// core (spec.md §4.6).
func defaultRenderer(text string, vars map[string]any) (string, error) {
	tmpl, err := template.New("nexus-template-step").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
