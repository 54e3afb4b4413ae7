package util

import (
	"strings"
	"text/template"
)

var promptFuncs = template.FuncMap{
	"default": func(fallback, v string) string {
		if v == "" {
			return fallback
		}
		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"split": func(sep, s string) []string { return strings.Split(s, sep) },
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
}

// RenderTemplate expands text/template markers in a system prompt, e.g.
// "You are {{ .NAME | upper }}", against string variables. Unknown variables
// expand to the empty string. Text without markers is returned as is.
func RenderTemplate(text string, vars map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("prompt").Option("missingkey=zero").Funcs(promptFuncs).Parse(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}
