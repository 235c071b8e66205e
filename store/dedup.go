package store

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/sicko7947/stepflow"
)

// DefaultDuplicateWindow is how far back a submission is compared
const DefaultDuplicateWindow = 90 * 24 * time.Hour

// minPhoneDigits keeps short fragments from matching each other
const minPhoneDigits = 6

// DuplicatePolicy decides whether a new submission resembles a prior outcome
type DuplicatePolicy interface {
	// Window bounds how old a prior outcome may be; zero means no bound
	Window() time.Duration
	Match(candidate map[stepflow.FieldID]any, prior *stepflow.Outcome) bool
}

// Normalizer canonicalizes a contact value; "" means not comparable
type Normalizer func(string) string

// NormalizeEmail lower-cases and trims
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone keeps digits only
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() < minPhoneDigits {
		return ""
	}
	return b.String()
}

// NormalizeIBAN upper-cases and drops whitespace
func NormalizeIBAN(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// ContactMatchPolicy matches when any normalized contact field of the
// candidate equals the same field of a prior outcome
type ContactMatchPolicy struct {
	window time.Duration
	fields map[stepflow.FieldID]Normalizer
}

// NewContactMatchPolicy compares suspect email, phone and IBAN
func NewContactMatchPolicy(window time.Duration) *ContactMatchPolicy {
	return &ContactMatchPolicy{
		window: window,
		fields: map[stepflow.FieldID]Normalizer{
			"suspectEmail": NormalizeEmail,
			"suspectPhone": NormalizePhone,
			"suspectIban":  NormalizeIBAN,
		},
	}
}

// WithField adds or replaces a compared field
func (p *ContactMatchPolicy) WithField(id stepflow.FieldID, norm Normalizer) *ContactMatchPolicy {
	p.fields[id] = norm
	return p
}

// Window implements DuplicatePolicy
func (p *ContactMatchPolicy) Window() time.Duration {
	return p.window
}

// Match implements DuplicatePolicy
func (p *ContactMatchPolicy) Match(candidate map[stepflow.FieldID]any, prior *stepflow.Outcome) bool {
	for id, norm := range p.fields {
		s, _ := candidate[id].(string)
		c := norm(s)
		if c != "" && c == norm(prior.FieldString(id)) {
			return true
		}
	}
	return false
}

// FindPossibleDuplicate returns the most recent prior outcome of the same
// workflow type that policy matches, or nil. A matching supplement resolves
// to the outcome it supplements.
func FindPossibleDuplicate(
	ctx context.Context,
	s stepflow.OutcomeStore,
	typ stepflow.WorkflowType,
	fields map[stepflow.FieldID]any,
	policy DuplicatePolicy,
) (*stepflow.Outcome, error) {
	filter := stepflow.OutcomeFilter{WorkflowType: typ}
	if w := policy.Window(); w > 0 {
		filter.Since = time.Now().Add(-w)
	}

	for o, err := range s.List(ctx, filter) {
		if err != nil {
			return nil, err
		}
		if !policy.Match(fields, o) {
			continue
		}
		if o.SupplementOf != "" {
			if original, err := s.Get(ctx, o.SupplementOf); err == nil {
				return original, nil
			}
		}
		return o, nil
	}
	return nil, nil
}

var _ DuplicatePolicy = (*ContactMatchPolicy)(nil)
