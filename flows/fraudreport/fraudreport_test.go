package fraudreport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/store"
)

func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	def, err := NewDefinition()
	require.NoError(t, err)
	registry, err := stepflow.NewRegistry(def)
	require.NoError(t, err)

	outcomes := store.NewMemoryStore()
	submitter := engine.NewSubmitter(outcomes, store.NewMemorySequencer(), engine.WithSubmitLogger(zerolog.Nop()))
	eng := engine.NewEngine(registry, submitter, engine.WithLogger(zerolog.Nop()))
	return eng, outcomes
}

func consentAll() map[stepflow.FieldID]any {
	return map[stepflow.FieldID]any{
		FieldConsentAccuracy:    true,
		FieldConsentGoodFaith:   true,
		FieldConsentDataSharing: true,
		FieldConsentTerms:       true,
	}
}

// fillReport walks an instance from identify to consent
func fillReport(t *testing.T, eng *engine.Engine, id string, suspect map[stepflow.FieldID]any) {
	t.Helper()
	ctx := context.Background()
	next := stepflow.Transition{Direction: stepflow.DirectionNext}

	_, err := eng.SetFields(id, suspect)
	require.NoError(t, err)
	_, err = eng.Move(id, next)
	require.NoError(t, err)

	_, err = eng.SetFields(id, map[stepflow.FieldID]any{
		FieldTransactionDate:   "2026-09-01",
		FieldTransactionAmount: 850.0,
		FieldPaymentMethod:     "bank transfer",
	})
	require.NoError(t, err)
	_, err = eng.Move(id, next)
	require.NoError(t, err)

	res, err := eng.Attach(ctx, id, []attachment.File{
		attachment.FromBytes("conversation.png", "image/png", []byte("png")),
		attachment.FromBytes("invoice.pdf", "application/pdf", []byte("pdf")),
	})
	require.NoError(t, err)
	require.Len(t, res.Staged, 2)
	_, err = eng.Move(id, next)
	require.NoError(t, err)

	_, err = eng.SetFields(id, consentAll())
	require.NoError(t, err)
}

func TestDefinition_Shape(t *testing.T) {
	def, err := NewDefinition()
	require.NoError(t, err)

	ids := make([]stepflow.StepID, 0, def.Len())
	for _, s := range def.Steps() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []stepflow.StepID{StepIdentify, StepContext, StepEvidence, StepConsent}, ids)
	assert.Equal(t, StepConsent, def.Terminal().ID)

	evidence, err := def.Step(StepEvidence)
	require.NoError(t, err)
	require.NotNil(t, evidence.Attachments)
	assert.Equal(t, 20, evidence.Attachments.MaxFiles)
	assert.Equal(t, int64(10*1024*1024), evidence.Attachments.MaxSizeBytes)
}

func TestFraudReport_HappyPath(t *testing.T) {
	eng, outcomes := newTestEngine(t)
	inst, err := eng.Open(Type)
	require.NoError(t, err)
	assert.Equal(t, "EUR", inst.Snapshot().Fields[FieldTransactionCurrency])

	fillReport(t, eng, inst.ID(), map[stepflow.FieldID]any{FieldSuspectEmail: "landlord@example.com"})

	outcome, err := eng.Submit(context.Background(), inst.ID(), engine.SubmitOptions{})
	require.NoError(t, err)
	assert.Regexp(t, `^#SF-\d{4}-00001$`, outcome.ReferenceID)
	assert.Equal(t, 2, outcome.FilesCount)
	assert.Equal(t, stepflow.OutcomeStatusPending, outcome.Status)

	rec := Record(outcome)
	assert.Equal(t, "landlord@example.com", rec["suspectEmail"])
	assert.Equal(t, "EUR", rec["transactionCurrency"])
	assert.NotContains(t, rec, "consentTerms")

	stored, err := outcomes.Get(context.Background(), outcome.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, outcome.ReferenceID, stored.ReferenceID)
}

func TestFraudReport_IdentifyNeedsOneSuspectField(t *testing.T) {
	eng, _ := newTestEngine(t)
	inst, err := eng.Open(Type)
	require.NoError(t, err)

	snap, err := eng.Move(inst.ID(), stepflow.Transition{Direction: stepflow.DirectionNext})
	require.Error(t, err)
	assert.Equal(t, StepIdentify, snap.CurrentStep)

	var ve *stepflow.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.AnyOf)
	assert.ElementsMatch(t, SuspectFields, ve.Missing)

	_, err = eng.SetFields(inst.ID(), map[stepflow.FieldID]any{FieldSuspectPlatform: "leboncoin"})
	require.NoError(t, err)
	snap, err = eng.Move(inst.ID(), stepflow.Transition{Direction: stepflow.DirectionNext})
	require.NoError(t, err)
	assert.Equal(t, StepContext, snap.CurrentStep)
}

func TestFraudReport_InvalidEmailBlocksNext(t *testing.T) {
	eng, _ := newTestEngine(t)
	inst, err := eng.Open(Type)
	require.NoError(t, err)

	_, err = eng.SetFields(inst.ID(), map[stepflow.FieldID]any{FieldSuspectEmail: "not-an-email"})
	require.NoError(t, err)
	_, err = eng.Move(inst.ID(), stepflow.Transition{Direction: stepflow.DirectionNext})
	assert.ErrorIs(t, err, stepflow.ErrValidationFailed)
}

func TestFraudReport_ConsentBlocksSubmit(t *testing.T) {
	eng, _ := newTestEngine(t)
	inst, err := eng.Open(Type)
	require.NoError(t, err)
	fillReport(t, eng, inst.ID(), map[stepflow.FieldID]any{FieldSuspectName: "J. Doe"})

	_, err = eng.SetFields(inst.ID(), map[stepflow.FieldID]any{FieldConsentTerms: false})
	require.NoError(t, err)

	_, err = eng.Submit(context.Background(), inst.ID(), engine.SubmitOptions{})
	var ve *stepflow.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []stepflow.FieldID{FieldConsentTerms}, ve.Missing)
	assert.Empty(t, inst.Reference())
}

func TestFraudReport_DeniedFileNeverStaged(t *testing.T) {
	eng, _ := newTestEngine(t)
	inst, err := eng.Open(Type)
	require.NoError(t, err)
	next := stepflow.Transition{Direction: stepflow.DirectionNext}

	_, _ = eng.SetFields(inst.ID(), map[stepflow.FieldID]any{FieldSuspectPhone: "+33 6 12 34 56 78"})
	_, err = eng.Move(inst.ID(), next)
	require.NoError(t, err)
	_, err = eng.Move(inst.ID(), next)
	require.NoError(t, err)

	res, err := eng.Attach(context.Background(), inst.ID(), []attachment.File{
		attachment.FromBytes("receipt.exe", "application/octet-stream", []byte("MZ")),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Staged)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, stepflow.RejectExtension, res.Rejected[0].Reason)
	assert.Empty(t, inst.Snapshot().Attachments)
}

func TestFraudReport_DuplicateBecomesSupplement(t *testing.T) {
	eng, outcomes := newTestEngine(t)
	ctx := context.Background()
	suspect := map[stepflow.FieldID]any{FieldSuspectEmail: "Landlord@Example.com"}

	first, err := eng.Open(Type)
	require.NoError(t, err)
	fillReport(t, eng, first.ID(), suspect)
	original, err := eng.Submit(ctx, first.ID(), engine.SubmitOptions{})
	require.NoError(t, err)

	second, err := eng.Open(Type)
	require.NoError(t, err)
	fillReport(t, eng, second.ID(), map[stepflow.FieldID]any{FieldSuspectEmail: "landlord@example.com"})

	_, err = eng.Submit(ctx, second.ID(), engine.SubmitOptions{})
	var dup *stepflow.DuplicateOutcomeError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, original.ReferenceID, dup.Existing.ReferenceID)

	supplement, err := eng.Submit(ctx, second.ID(), engine.SubmitOptions{SupplementOf: dup.Existing.ReferenceID})
	require.NoError(t, err)
	assert.Equal(t, original.ReferenceID, supplement.SupplementOf)
	assert.Equal(t, original.ReferenceID, Record(supplement)["supplementOf"])

	stored, err := outcomes.Get(ctx, original.ReferenceID)
	require.NoError(t, err)
	assert.Empty(t, stored.SupplementOf)
}

func TestValidateRecord(t *testing.T) {
	valid := &stepflow.Outcome{
		ReferenceID:     "#SF-2026-00042",
		SubmittedFields: map[string]any{"suspectIban": "FR7630006000011234567890189", "transactionCurrency": "CHF"},
		FilesCount:      3,
		Status:          stepflow.OutcomeStatusPending,
		CreatedAt:       time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, ValidateRecord(valid))

	tests := []struct {
		name   string
		mutate func(o *stepflow.Outcome)
	}{
		{"malformed reference", func(o *stepflow.Outcome) { o.ReferenceID = "SF-1" }},
		{"no suspect field", func(o *stepflow.Outcome) { o.SubmittedFields = map[string]any{"paymentMethod": "cash"} }},
		{"unknown currency", func(o *stepflow.Outcome) { o.SubmittedFields["transactionCurrency"] = "JPY" }},
		{"too many files", func(o *stepflow.Outcome) { o.FilesCount = 21 }},
		{"unknown status", func(o *stepflow.Outcome) { o.Status = "archived" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid.Clone()
			tt.mutate(o)
			assert.ErrorIs(t, ValidateRecord(o), stepflow.ErrValidationFailed)
		})
	}
}

func TestCheckEligibility(t *testing.T) {
	assert.NoError(t, CheckEligibility(Account{Verified: true, PackActive: true}))
	assert.ErrorIs(t, CheckEligibility(Account{PackActive: true}), ErrNotEligible)
	assert.ErrorIs(t, CheckEligibility(Account{Verified: true}), ErrNotEligible)
}
