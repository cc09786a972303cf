package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractionRequest is one captured image waiting to be extracted. It is consumed once.
type ExtractionRequest struct {
	Image       []byte
	Filename    string
	ContentType string
	Kind        Kind
}

// Record is a kind-specific field map. String fields hold string values and
// integer fields hold int64 values once decoded from the extraction service;
// records edited by a reviewer may carry json.Number for numeric fields.
type Record struct {
	Kind   Kind           `json:"kind"`
	Fields map[string]any `json:"fields"`
}

// String returns a string field, or "" when absent or not a string
func (r *Record) String(name string) string {
	s, _ := r.Fields[name].(string)
	return s
}

// Int returns an integer field, accepting the numeric representations a record can carry
func (r *Record) Int(name string) (int64, bool) {
	switch v := r.Fields[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return floatToInt64(v)
	case json.Number:
		return numberToInt64(v)
	}
	return 0, false
}

// Schema returns the JSON Schema every extraction output for d must satisfy:
// an object with every field present and typed.
func (d *Descriptor) Schema() map[string]any {
	props := make(map[string]any, len(d.Fields))
	required := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		props[f.Name] = map[string]any{"type": string(f.Type)}
		required = append(required, f.Name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// compiledSchema compiles d's schema once. The result lives on the descriptor,
// so re-registering a kind never serves a stale schema.
func (d *Descriptor) compiledSchema() (*jsonschema.Schema, error) {
	d.schemaOnce.Do(func() {
		d.schema, d.schemaErr = compileSchema(d)
	})
	return d.schema, d.schemaErr
}

func compileSchema(d *Descriptor) (*jsonschema.Schema, error) {
	b, err := json.Marshal(d.Schema())
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	url := fmt.Sprintf("%s.json", strings.ToLower(string(d.Kind)))
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("adding schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
}

// DecodeOutputs turns the workflow's outputs object into a Record. Every
// schema field must be present with the right type; unknown fields are dropped.
func DecodeOutputs(d *Descriptor, raw json.RawMessage) (*Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewDecodeError("outputs missing", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, NewDecodeError("outputs are not valid JSON", err)
	}

	schema, err := d.compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, NewDecodeError(fmt.Sprintf("outputs do not match %s schema", d.Kind), err)
	}

	obj := doc.(map[string]any)
	rec := &Record{Kind: d.Kind, Fields: make(map[string]any, len(d.Fields))}
	for _, f := range d.Fields {
		v := obj[f.Name]
		if f.Type == Integer {
			num, _ := v.(json.Number)
			n, ok := numberToInt64(num)
			if !ok {
				return nil, NewDecodeError(fmt.Sprintf("%s is out of range", f.Name), nil)
			}
			rec.Fields[f.Name] = n
			continue
		}
		rec.Fields[f.Name] = v
	}
	return rec, nil
}

func numberToInt64(num json.Number) (int64, bool) {
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	// 3.0 is a valid JSON Schema integer
	f, err := num.Float64()
	if err != nil {
		return 0, false
	}
	return floatToInt64(f)
}

// floatToInt64 rejects fractions and anything int64 cannot hold exactly;
// 2^63 is the first float64 past MaxInt64.
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
