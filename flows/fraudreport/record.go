package fraudreport

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sicko7947/stepflow"
)

//go:embed record.schema.json
var recordSchema []byte

var compiledSchema = mustSchema(recordSchema)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("fraud report record schema: %v", err))
	}
	return s
}

// recordFields are the submitted fields that make it into a report record
var recordFields = []stepflow.FieldID{
	FieldSuspectEmail,
	FieldSuspectPhone,
	FieldSuspectIban,
	FieldSuspectPlatform,
	FieldSuspectName,
	FieldTransactionDate,
	FieldTransactionAmount,
	FieldTransactionCurrency,
	FieldPaymentMethod,
	FieldAdURL,
}

// Record renders an outcome in the report record shape
func Record(o *stepflow.Outcome) map[string]any {
	rec := map[string]any{
		"reference":  o.ReferenceID,
		"filesCount": o.FilesCount,
		"createdAt":  o.CreatedAt.UTC().Format(time.RFC3339),
		"status":     string(o.Status),
	}
	for _, id := range recordFields {
		if v, ok := o.SubmittedFields[string(id)]; ok && !stepflow.IsEmpty(v) {
			rec[string(id)] = v
		}
	}
	if o.SupplementOf != "" {
		rec["supplementOf"] = o.SupplementOf
	}
	return rec
}

// ValidateRecord checks an outcome against the embedded record schema.
// It is installed as the definition's outcome validator.
func ValidateRecord(o *stepflow.Outcome) error {
	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(Record(o)))
	if err != nil {
		return fmt.Errorf("failed to validate report record: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: report record: %s", stepflow.ErrValidationFailed, strings.Join(msgs, "; "))
	}
	return nil
}
