package builder

import "github.com/sicko7947/stepflow"

// DefinitionOption is a functional option for configuring definitions
type DefinitionOption func(*stepflow.Definition)

// WithDescription sets the workflow description
func WithDescription(description string) DefinitionOption {
	return func(d *stepflow.Definition) {
		d.SetDescription(description)
	}
}

// WithVersion sets the workflow version
func WithVersion(version string) DefinitionOption {
	return func(d *stepflow.Definition) {
		d.SetVersion(version)
	}
}

// WithTags sets workflow tags
func WithTags(tags map[string]string) DefinitionOption {
	return func(d *stepflow.Definition) {
		d.SetTags(tags)
	}
}

// ApplyOptions applies a list of options to a definition
func ApplyOptions(d *stepflow.Definition, opts ...DefinitionOption) {
	for _, opt := range opts {
		opt(d)
	}
}
