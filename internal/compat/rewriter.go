// ABOUTME: JSON compatibility rewriter for schema drift in the remote feed
// ABOUTME: Replaces deny-listed enum values under severity-like keys, leaving other bytes intact

package compat

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultKeywords are the field-name fragments whose values are inspected.
var DefaultKeywords = []string{"severity", "urgency", "impact"}

// DefaultReplacements maps unrecognized qualifiers to the closest
// recognized severity.
var DefaultReplacements = map[string]string{
	"MODERATE":   "MEDIUM",
	"IMPORTANT":  "HIGH",
	"NEGLIGIBLE": "LOW",
}

// Rewriter rewrites incompatible values in JSON documents.
type Rewriter struct {
	keywords     []string
	replacements map[string]string
}

// NewRewriter creates a rewriter. Nil arguments select the defaults.
func NewRewriter(keywords []string, replacements map[string]string) *Rewriter {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	if replacements == nil {
		replacements = DefaultReplacements
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return &Rewriter{keywords: lower, replacements: replacements}
}

// Rewrite returns data with deny-listed values replaced, and whether
// anything changed. When nothing changes, or data is not valid JSON, the
// input slice itself is returned.
func (r *Rewriter) Rewrite(data []byte) ([]byte, bool) {
	out, n := r.rewrite(data)
	return out, n > 0
}

func (r *Rewriter) rewrite(data []byte) ([]byte, int) {
	if !gjson.ValidBytes(data) {
		return data, 0
	}

	var edits []edit
	r.walk(gjson.ParseBytes(data), "", &edits)
	if len(edits) == 0 {
		return data, 0
	}

	out := make([]byte, len(data))
	copy(out, data)
	for _, e := range edits {
		next, err := sjson.SetBytes(out, e.path, e.value)
		if err != nil {
			return data, 0
		}
		out = next
	}
	return out, len(edits)
}

type edit struct {
	path  string
	value string
}

// walk collects edits depth-first.
func (r *Rewriter) walk(node gjson.Result, prefix string, edits *[]edit) {
	switch {
	case node.IsObject():
		node.ForEach(func(key, value gjson.Result) bool {
			path := join(prefix, gjson.Escape(key.String()))
			if value.Type == gjson.String && r.matchesKey(key.String()) {
				if repl, ok := r.replacements[value.Str]; ok {
					*edits = append(*edits, edit{path: path, value: repl})
				}
			}
			r.walk(value, path, edits)
			return true
		})
	case node.IsArray():
		i := 0
		node.ForEach(func(_, value gjson.Result) bool {
			r.walk(value, join(prefix, strconv.Itoa(i)), edits)
			i++
			return true
		})
	}
}

func (r *Rewriter) matchesKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func join(prefix, part string) string {
	if prefix == "" {
		return part
	}
	return prefix + "." + part
}

// RewriteReader reads rd fully and returns a reader over the rewritten
// payload. A read error is replayed to the consumer after the bytes that
// were read, unmodified.
func (r *Rewriter) RewriteReader(rd io.Reader) io.ReadCloser {
	data, err := io.ReadAll(rd)
	if err != nil {
		return io.NopCloser(io.MultiReader(bytes.NewReader(data), errReader{err}))
	}
	out, _ := r.Rewrite(data)
	return io.NopCloser(bytes.NewReader(out))
}

// RewriteFile rewrites a JSON file in place and reports whether it changed.
func (r *Rewriter) RewriteFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	out, changed := r.Rewrite(data)
	if !changed {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	tmp := path + ".compat"
	if err := os.WriteFile(tmp, out, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("replacing %s: %w", path, err)
	}
	return true, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) {
	return 0, e.err
}
