package stepflow

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// FieldType is the expected type of a field value
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldEnum   FieldType = "enum"
	FieldFile   FieldType = "file"
)

// FileRef points a field at a staged attachment
type FileRef struct {
	AttachmentID string `json:"attachmentId"`
	Name         string `json:"name"`
}

// FieldSpec declares one field of a step
type FieldSpec struct {
	ID      FieldID
	Type    FieldType
	Options []string       // allowed values for FieldEnum
	Pattern *regexp.Regexp // optional, strings only
	Default any
}

// Check reports whether value has the declared type
func (f FieldSpec) Check(value any) error {
	switch f.Type {
	case FieldString, "":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s: want string, got %T", f.ID, value)
		}
		if f.Pattern != nil && s != "" && !f.Pattern.MatchString(s) {
			return fmt.Errorf("field %s: %q does not match %s", f.ID, s, f.Pattern)
		}
	case FieldNumber:
		if _, ok := ToFloat(value); !ok {
			return fmt.Errorf("field %s: want number, got %v", f.ID, value)
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %s: want bool, got %T", f.ID, value)
		}
	case FieldEnum:
		s, ok := value.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return fmt.Errorf("field %s: %v is not one of %s", f.ID, value, strings.Join(f.Options, ", "))
		}
	case FieldFile:
		if _, ok := value.(FileRef); !ok {
			return fmt.Errorf("field %s: want file reference, got %T", f.ID, value)
		}
	default:
		return fmt.Errorf("field %s: unknown type %s", f.ID, f.Type)
	}
	return nil
}

// ToFloat converts numeric values (and numeric strings) to float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// IsEmpty reports whether a field value counts as absent
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case bool:
		return !x
	case FileRef:
		return x.AttachmentID == ""
	}
	return false
}

// View is what predicates see: a read-only copy of the instance data
type View struct {
	Fields      map[FieldID]any
	Attachments []Attachment
}

// Has reports whether the field is present and non-empty
func (v View) Has(id FieldID) bool {
	return !IsEmpty(v.Fields[id])
}

// String returns the field as a string
func (v View) String(id FieldID) string {
	s, _ := v.Fields[id].(string)
	return s
}

// Bool returns the field as a bool
func (v View) Bool(id FieldID) bool {
	b, _ := v.Fields[id].(bool)
	return b
}

// FieldAttachments is reported as missing when a step needs more files
const FieldAttachments FieldID = "attachments"

// Predicate decides whether a step may be left. A nil error means yes.
// Returning *ValidationError lets the caller point at the offending fields.
type Predicate func(v View) *ValidationError

// AllOf requires every listed field to be present
func AllOf(ids ...FieldID) Predicate {
	return func(v View) *ValidationError {
		var missing []FieldID
		for _, id := range ids {
			if !v.Has(id) {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return &ValidationError{Missing: missing}
	}
}

// AnyOf requires at least one of the listed fields
func AnyOf(ids ...FieldID) Predicate {
	return func(v View) *ValidationError {
		for _, id := range ids {
			if v.Has(id) {
				return nil
			}
		}
		return &ValidationError{Missing: slices.Clone(ids), AnyOf: true}
	}
}

// Both combines predicates; all must pass and their fields are merged
func Both(preds ...Predicate) Predicate {
	return func(v View) *ValidationError {
		var merged *ValidationError
		for _, p := range preds {
			if p == nil {
				continue
			}
			if ve := p(v); ve != nil {
				if merged == nil {
					merged = &ValidationError{}
				}
				merged.Missing = append(merged.Missing, ve.Missing...)
				merged.Invalid = append(merged.Invalid, ve.Invalid...)
				merged.AnyOf = merged.AnyOf || ve.AnyOf
			}
		}
		return merged
	}
}

// Result holds the fields an action writes back on success
type Result map[FieldID]any

// Action is the side effect bound to a step
type Action interface {
	Execute(ctx *StepContext) (Result, error)
}

// ActionFunc adapts a function to the Action interface
type ActionFunc func(ctx *StepContext) (Result, error)

// Execute calls f
func (f ActionFunc) Execute(ctx *StepContext) (Result, error) {
	return f(ctx)
}

// StepSpec is one row of a definition's step table
type StepSpec struct {
	ID          StepID
	Name        string
	Description string

	Fields   []FieldSpec
	Required []FieldID

	// Outputs are written by the action only. Clients cannot set them and
	// they are cleared when the step is invalidated.
	Outputs []FieldID

	// Predicate defaults to AllOf(Required...)
	Predicate Predicate

	// Action is optional; steps with one must complete a run before next
	Action Action

	// Attachments is non-nil when the step accepts files
	Attachments *AttachmentLimits

	// SkipWhen lets next step over this step
	SkipWhen func(v View) bool

	Config ExecutionConfig
}

// NewStepSpec creates a step row
func NewStepSpec(id StepID, name string, fields []FieldSpec, opts ...StepOption) *StepSpec {
	s := &StepSpec{
		ID:     id,
		Name:   name,
		Fields: fields,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Field returns the spec of a field declared on this step
func (s *StepSpec) Field(id FieldID) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Check evaluates type checks, the predicate and attachment minimums
func (s *StepSpec) Check(v View) *ValidationError {
	ve := &ValidationError{Step: s.ID}

	for _, f := range s.Fields {
		val, ok := v.Fields[f.ID]
		if !ok || IsEmpty(val) {
			continue
		}
		if err := f.Check(val); err != nil {
			ve.Invalid = append(ve.Invalid, f.ID)
		}
	}

	pred := s.Predicate
	if pred == nil {
		pred = AllOf(s.Required...)
	}
	failed := false
	if pe := pred(v); pe != nil {
		failed = true
		ve.Missing = append(ve.Missing, pe.Missing...)
		ve.Invalid = append(ve.Invalid, pe.Invalid...)
		ve.AnyOf = pe.AnyOf
	}

	if s.Attachments != nil {
		completed, pending := 0, false
		for _, a := range v.Attachments {
			switch a.Status {
			case AttachmentCompleted:
				completed++
			case AttachmentQueued, AttachmentUploading:
				pending = true
			}
		}
		if completed < s.Attachments.MinFiles {
			ve.Missing = append(ve.Missing, FieldAttachments)
		}
		if pending {
			ve.Invalid = append(ve.Invalid, FieldAttachments)
		}
	}

	if !failed && len(ve.Missing) == 0 && len(ve.Invalid) == 0 {
		return nil
	}
	return ve
}
