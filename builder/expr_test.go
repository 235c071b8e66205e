package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
)

func TestExpr(t *testing.T) {
	pred, err := Expr(`present(email) || present(phone)`, "email", "phone")
	require.NoError(t, err)

	assert.Nil(t, pred(stepflow.View{Fields: map[stepflow.FieldID]any{"phone": "+41"}}))

	ve := pred(stepflow.View{Fields: map[stepflow.FieldID]any{"email": "  "}})
	require.NotNil(t, ve)
	assert.Equal(t, []stepflow.FieldID{"email", "phone"}, ve.Missing)
}

func TestExpr_Files(t *testing.T) {
	pred := MustExpr(`files >= 1`)

	assert.NotNil(t, pred(stepflow.View{}))
	assert.Nil(t, pred(stepflow.View{Attachments: []stepflow.Attachment{
		{ID: "a", Status: stepflow.AttachmentCompleted},
	}}))
}

func TestExpr_CompileError(t *testing.T) {
	_, err := Expr(`present(`)
	assert.Error(t, err)

	_, err = Expr(`1 + 1`)
	assert.Error(t, err) // not a bool
}

func TestSkipExpr(t *testing.T) {
	skip, err := SkipExpr(`bankRequired == false`)
	require.NoError(t, err)

	assert.True(t, skip(stepflow.View{Fields: map[stepflow.FieldID]any{"bankRequired": false}}))
	assert.False(t, skip(stepflow.View{Fields: map[stepflow.FieldID]any{"bankRequired": true}}))
}

func TestExpr_InDefinition(t *testing.T) {
	def := NewDefinition("test", "Test").
		ThenStep(stepflow.NewStepSpec("who", "Who", []stepflow.FieldSpec{
			{ID: "email"}, {ID: "phone"},
		}, stepflow.WithPredicate(MustExpr(`present(email) || present(phone)`, "email", "phone")))).
		ThenStep(stepflow.NewStepSpec("end", "End", nil)).
		MustBuild()

	inst := stepflow.NewInstance(def)
	assert.ErrorIs(t, inst.Next(), stepflow.ErrValidationFailed)

	inst.SetField("email", "a@b.c")
	assert.NoError(t, inst.Next())
}
