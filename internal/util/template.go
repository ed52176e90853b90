package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items any) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []any:
			strItems := make([]string, len(v))
			for i, item := range v {
				strItems[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strItems, sep)
		default:
			return fmt.Sprintf("%v", items)
		}
	},
	"percent": func(f float64) string { return fmt.Sprintf("%.0f", f*100) },
	"inc":     func(i int) int { return i + 1 },
}

// ParseTemplate compiles text with the shared helper funcs plus any extra
// ones. Missing map keys are errors so a typo in a template surfaces at
// render time.
func ParseTemplate(name, text string, extra ...template.FuncMap) (*template.Template, error) {
	t := template.New(name).Funcs(funcs).Option("missingkey=error")
	for _, fm := range extra {
		t = t.Funcs(fm)
	}
	return t.Parse(text)
}

// MustParseTemplate is ParseTemplate for package-level templates.
func MustParseTemplate(name, text string, extra ...template.FuncMap) *template.Template {
	return template.Must(ParseTemplate(name, text, extra...))
}

// Execute renders t with data.
func Execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderTemplate parses and renders text in one step. Text without template
// markers is returned unchanged.
func RenderTemplate(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := ParseTemplate("inline", text)
	if err != nil {
		return "", err
	}
	return Execute(tmpl, data)
}
