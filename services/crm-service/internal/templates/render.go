package templates

import (
	"html"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Expand replaces {{ name }} placeholders with vars[name]. Unknown names expand to "".
func Expand(text string, vars map[string]string) string {
	return expand(text, vars, nil)
}

// ExpandHTML is Expand for HTML bodies: values are escaped, the template markup is not.
func ExpandHTML(text string, vars map[string]string) string {
	return expand(text, vars, html.EscapeString)
}

func expand(text string, vars map[string]string, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		v := vars[placeholder.FindStringSubmatch(m)[1]]
		if escape != nil {
			v = escape(v)
		}
		return v
	})
}

type Rendered struct {
	Subject string
	HTML    string
	Text    string
}
