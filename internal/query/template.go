// Package query renders SQL query templates for metric loading. Templates
// carry {{.dtk_start_time}}, {{.dtk_end_time}}, and {{.interval_seconds}}
// placeholders that the loader fills with the window being fetched; metric
// configs may add their own context values, which shadow the built-ins.
package query

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// ErrBadTemplate marks a template that fails to parse or render.
var ErrBadTemplate = errors.New("bad query template")

// timeLayout is the render format for the time placeholders, always UTC.
const timeLayout = "2006-01-02 15:04:05"

// Template is a parsed SQL query template. Strict templates reject render
// contexts missing a referenced key; lenient ones render missing keys as
// the empty string, which is only useful for previewing.
type Template struct {
	text    string
	tmpl    *template.Template
	lenient bool
}

// New parses a query template in strict mode.
func New(text string) (*Template, error) {
	return parse(text, false)
}

// NewLenient parses a query template that tolerates missing context keys.
func NewLenient(text string) (*Template, error) {
	return parse(text, true)
}

func parse(text string, lenient bool) (*Template, error) {
	missingKey := "error"
	if lenient {
		missingKey = "default"
	}
	tmpl, err := template.New("query").Option("missingkey=" + missingKey).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	return &Template{text: text, tmpl: tmpl, lenient: lenient}, nil
}

// Text returns the raw template source.
func (t *Template) Text() string { return t.text }

// Render fills the template for the [start, end) window. The built-in keys
// dtk_start_time, dtk_end_time, and interval_seconds are always available;
// entries in context override them.
func (t *Template) Render(start, end time.Time, intervalSeconds int64, context map[string]any) (string, error) {
	data := map[string]any{
		"dtk_start_time":   start.UTC().Format(timeLayout),
		"dtk_end_time":     end.UTC().Format(timeLayout),
		"interval_seconds": intervalSeconds,
	}
	for k, v := range context {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	out := buf.String()
	if t.lenient {
		// text/template prints "<no value>" for absent map keys.
		out = strings.ReplaceAll(out, "<no value>", "")
	}
	return out, nil
}
