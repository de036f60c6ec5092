package card

import (
	"encoding/json"
	"fmt"
)

// Option is one selectable choice on a question. In JSON it may appear as a
// bare string or as {label, description}.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

func (o *Option) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		o.Label = s
		o.Description = ""
		return nil
	}
	type alias Option
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*o = Option(a)
	return nil
}

// Opt builds an Option from a label.
func Opt(label string) Option {
	return Option{Label: label}
}

// Options builds a slice of label-only options.
func Options(labels ...string) []Option {
	opts := make([]Option, len(labels))
	for i, l := range labels {
		opts[i] = Option{Label: l}
	}
	return opts
}

// Question is one field on a decision form. Empty Options means free text.
type Question struct {
	Name      string   `json:"name"`
	Prompt    string   `json:"question"`
	Options   []Option `json:"options,omitempty"`
	Header    string   `json:"header,omitempty"`
	Multiple  bool     `json:"multiple,omitempty"`
	AllowOther bool    `json:"allow_other,omitempty"`
	Default   any      `json:"default,omitempty"`
}

// Validate checks the field is usable as a form control.
func (q Question) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("question requires a non-empty name")
	}
	for i, o := range q.Options {
		if o.Label == "" {
			return fmt.Errorf("question %q: option %d has an empty label", q.Name, i)
		}
	}
	return nil
}

// Spec returns the field's preview mapping.
func (q Question) Spec() map[string]any {
	m := map[string]any{
		"name":     q.Name,
		"question": q.Prompt,
	}
	if len(q.Options) > 0 {
		opts := make([]map[string]any, len(q.Options))
		for i, o := range q.Options {
			opts[i] = map[string]any{"label": o.Label}
			if o.Description != "" {
				opts[i]["description"] = o.Description
			}
		}
		m["options"] = opts
	}
	if q.Header != "" {
		m["header"] = q.Header
	}
	if q.Multiple {
		m["multiple"] = true
	}
	if q.AllowOther {
		m["allow_other"] = true
	}
	if q.Default != nil {
		m["default"] = q.Default
	}
	return m
}

// Form is an ordered set of questions rendered as one decision card.
type Form struct {
	Fields []Question `json:"fields"`
}

// NewForm validates the fields and rejects duplicate names.
func NewForm(fields ...Question) (*Form, error) {
	seen := make(map[string]bool, len(fields))
	for _, q := range fields {
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("duplicate field name %q", q.Name)
		}
		seen[q.Name] = true
	}
	return &Form{Fields: fields}, nil
}

// Spec returns the {fields: [...]} preview mapping for a decision card.
func (f *Form) Spec() map[string]any {
	fields := make([]map[string]any, len(f.Fields))
	for i, q := range f.Fields {
		fields[i] = q.Spec()
	}
	return map[string]any{"fields": fields}
}
