// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/creachadair/hilbox"
	"github.com/goccy/go-json"
)

// parseParams parses arguments of the form name=value into call parameters,
// in the order given. A value that parses as JSON is passed as the decoded
// value; otherwise it is passed as a string. Integral JSON numbers become
// int64 values.
func parseParams(args []string) (hilbox.Params, error) {
	var ps hilbox.Params
	for _, arg := range args {
		name, text, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q (want name=value)", arg)
		}
		if _, dup := ps.Get(name); dup {
			return nil, fmt.Errorf("duplicate parameter %q", name)
		}
		ps = append(ps, hilbox.Param{Name: name, Value: parseValue(text)})
	}
	return ps, nil
}

func parseValue(text string) any {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return text
	}
	return normalize(v)
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if z, err := t.Int64(); err == nil {
			return z
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return t.String()
		}
		return f
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	}
	return v
}

// formatResult renders a call result as indented JSON. Byte strings are
// rendered as base64, and map keys in sorted order.
func formatResult(v any) (string, error) {
	bits, err := json.MarshalIndent(jsonSafe(v), "", "  ")
	if err != nil {
		return "", err
	}
	return string(bits), nil
}

// jsonSafe converts maps with non-string keys, which the binary map encoding
// permits but JSON does not.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = jsonSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonSafe(e)
		}
		return out
	}
	return v
}
