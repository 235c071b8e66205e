package stepflow

import "time"

// ExecutionConfig holds step-level execution parameters
type ExecutionConfig struct {
	// Timeout bounds one run of the step's action. Zero means the executor default.
	Timeout time.Duration
}

// DefaultExecutionConfig is what an executor falls back to
var DefaultExecutionConfig = ExecutionConfig{
	Timeout: 30 * time.Second,
}

// AttachmentLimits caps the files a step accepts
type AttachmentLimits struct {
	MaxFiles     int   `json:"maxFiles"`
	MaxSizeBytes int64 `json:"maxSizeBytes"`
	// AllowedExtensions restricts uploads to these extensions when non-empty
	AllowedExtensions []string `json:"allowedExtensions,omitempty"`
	// MinFiles is the number of completed files required to leave the step
	MinFiles int `json:"minFiles,omitempty"`
}

const megabyte = 1024 * 1024

// Limits observed in the report and property flows
var (
	DefaultEvidenceLimits = AttachmentLimits{
		MaxFiles:     20,
		MaxSizeBytes: 10 * megabyte,
	}

	DefaultPhotoLimits = AttachmentLimits{
		MaxFiles:          5,
		MaxSizeBytes:      10 * megabyte,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".webp", ".heic"},
		MinFiles:          1,
	}
)

// StepOption allows functional configuration of steps
type StepOption func(*StepSpec)

// WithTimeout sets the step timeout
func WithTimeout(d time.Duration) StepOption {
	return func(s *StepSpec) {
		s.Config.Timeout = d
	}
}

// WithOutputs lists the fields only the step's action writes
func WithOutputs(ids ...FieldID) StepOption {
	return func(s *StepSpec) {
		s.Outputs = append(s.Outputs, ids...)
	}
}

// WithAction binds the side effect run by the executor
func WithAction(action Action) StepOption {
	return func(s *StepSpec) {
		s.Action = action
	}
}

// WithPredicate replaces the default all-required predicate
func WithPredicate(p Predicate) StepOption {
	return func(s *StepSpec) {
		s.Predicate = p
	}
}

// WithAttachments lets the step accept files
func WithAttachments(limits AttachmentLimits) StepOption {
	return func(s *StepSpec) {
		l := limits
		s.Attachments = &l
	}
}

// WithSkip marks the step as skipped whenever cond holds
func WithSkip(cond func(v View) bool) StepOption {
	return func(s *StepSpec) {
		s.SkipWhen = cond
	}
}

// WithRequired lists the fields the default predicate needs
func WithRequired(ids ...FieldID) StepOption {
	return func(s *StepSpec) {
		s.Required = append(s.Required, ids...)
	}
}

// WithDescription sets a human readable description
func WithDescription(description string) StepOption {
	return func(s *StepSpec) {
		s.Description = description
	}
}
