// Package fraudreport defines the four step fraud report workflow: identify
// the suspect, describe the transaction, attach evidence, consent.
package fraudreport

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
)

// Type is the registry key of the workflow
const Type stepflow.WorkflowType = "fraud_report"

const (
	StepIdentify stepflow.StepID = "identify"
	StepContext  stepflow.StepID = "context"
	StepEvidence stepflow.StepID = "evidence"
	StepConsent  stepflow.StepID = "consent"
)

const (
	FieldSuspectEmail    stepflow.FieldID = "suspectEmail"
	FieldSuspectPhone    stepflow.FieldID = "suspectPhone"
	FieldSuspectIban     stepflow.FieldID = "suspectIban"
	FieldSuspectPlatform stepflow.FieldID = "suspectPlatform"
	FieldSuspectName     stepflow.FieldID = "suspectName"

	FieldTransactionDate     stepflow.FieldID = "transactionDate"
	FieldTransactionAmount   stepflow.FieldID = "transactionAmount"
	FieldTransactionCurrency stepflow.FieldID = "transactionCurrency"
	FieldPaymentMethod       stepflow.FieldID = "paymentMethod"
	FieldAdURL               stepflow.FieldID = "adUrl"

	FieldConsentAccuracy    stepflow.FieldID = "consentAccuracy"
	FieldConsentGoodFaith   stepflow.FieldID = "consentGoodFaith"
	FieldConsentDataSharing stepflow.FieldID = "consentDataSharing"
	FieldConsentTerms       stepflow.FieldID = "consentTerms"
)

// Currencies accepted for the transaction amount; the first is the default
var Currencies = []string{"EUR", "USD", "GBP", "CHF"}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	urlPattern   = regexp.MustCompile(`^https?://\S+$`)
)

// SuspectFields are the identifiers of which at least one is needed
var SuspectFields = []stepflow.FieldID{
	FieldSuspectEmail,
	FieldSuspectPhone,
	FieldSuspectIban,
	FieldSuspectPlatform,
	FieldSuspectName,
}

// NewDefinition builds the fraud report step table
func NewDefinition() (*stepflow.Definition, error) {
	identify := stepflow.NewStepSpec(StepIdentify, "Identify the suspect", []stepflow.FieldSpec{
		{ID: FieldSuspectEmail, Type: stepflow.FieldString, Pattern: emailPattern},
		{ID: FieldSuspectPhone, Type: stepflow.FieldString},
		{ID: FieldSuspectIban, Type: stepflow.FieldString},
		{ID: FieldSuspectPlatform, Type: stepflow.FieldString},
		{ID: FieldSuspectName, Type: stepflow.FieldString},
	},
		stepflow.WithPredicate(stepflow.AnyOf(SuspectFields...)),
		stepflow.WithDescription("At least one identifier is required"),
	)

	transaction := stepflow.NewStepSpec(StepContext, "Transaction", []stepflow.FieldSpec{
		{ID: FieldTransactionDate, Type: stepflow.FieldString, Pattern: datePattern},
		{ID: FieldTransactionAmount, Type: stepflow.FieldNumber},
		{ID: FieldTransactionCurrency, Type: stepflow.FieldEnum, Options: Currencies, Default: Currencies[0]},
		{ID: FieldPaymentMethod, Type: stepflow.FieldString},
		{ID: FieldAdURL, Type: stepflow.FieldString, Pattern: urlPattern},
	})

	evidence := stepflow.NewStepSpec(StepEvidence, "Evidence", nil,
		stepflow.WithAttachments(stepflow.DefaultEvidenceLimits),
		stepflow.WithDescription("Screenshots, receipts, conversations"),
	)

	consents := []stepflow.FieldID{
		FieldConsentAccuracy,
		FieldConsentGoodFaith,
		FieldConsentDataSharing,
		FieldConsentTerms,
	}
	consentFields := make([]stepflow.FieldSpec, len(consents))
	for i, id := range consents {
		consentFields[i] = stepflow.FieldSpec{ID: id, Type: stepflow.FieldBool}
	}
	consent := stepflow.NewStepSpec(StepConsent, "Consent", consentFields,
		stepflow.WithRequired(consents...),
	)

	def, err := builder.NewDefinition(Type, "Fraud report").
		WithDescription("Report a suspected rental fraud").
		WithOutcomeValidator(ValidateRecord).
		Sequence(identify, transaction, evidence, consent).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build fraud report workflow: %w", err)
	}
	return def, nil
}

// ErrNotEligible is returned when the reporter may not file a report
var ErrNotEligible = errors.New("reporter not eligible")

// Account is what the caller knows about the reporter
type Account struct {
	Verified   bool
	PackActive bool
}

// CheckEligibility must pass before an instance is opened
func CheckEligibility(a Account) error {
	switch {
	case !a.Verified:
		return fmt.Errorf("%w: account is not verified", ErrNotEligible)
	case !a.PackActive:
		return fmt.Errorf("%w: no active pack", ErrNotEligible)
	}
	return nil
}
