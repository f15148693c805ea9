// Package template resolves {{variable}} placeholders in email subjects,
// bodies and action parameters.
package template

import (
	"maps"
	"regexp"
	"strings"
)

// Keys are any text without braces; surrounding spaces are trimmed.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces every {{key}} with vars[key]. Placeholders without a
// value are left verbatim so partial data never aborts a send.
func Interpolate(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// InterpolateAll applies Interpolate to every value of a map.
func InterpolateAll(in map[string]string, vars map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Interpolate(v, vars)
	}
	return out
}

// Placeholders lists the distinct placeholder names used in tmpl, in order of
// first appearance.
func Placeholders(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Bag accumulates variable layers. A key set by an earlier layer is never
// overwritten by a later one.
type Bag struct {
	vars map[string]string
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{vars: map[string]string{}}
}

// Add merges a layer below everything added so far.
func (b *Bag) Add(layer map[string]string) *Bag {
	for k, v := range layer {
		if _, taken := b.vars[k]; !taken {
			b.vars[k] = v
		}
	}
	return b
}

// Set adds a single key unless it is already present.
func (b *Bag) Set(key, value string) *Bag {
	return b.Add(map[string]string{key: value})
}

// Vars returns a copy of the merged variables.
func (b *Bag) Vars() map[string]string {
	return maps.Clone(b.vars)
}
