package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/flows/fraudreport"
	"github.com/sicko7947/stepflow/flows/property"
	"github.com/sicko7947/stepflow/flows/tenant"
	"github.com/sicko7947/stepflow/internal/config"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "error"

	a, err := newApp(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewApp_RegistersFlows(t *testing.T) {
	a := newTestApp(t)
	assert.ElementsMatch(t,
		[]stepflow.WorkflowType{fraudreport.Type, property.Type, tenant.Type},
		a.engine.Registry().Types())
}

// A property outcome makes its code usable by tenants
func TestNewApp_PropertyCodeOpensTenantFlow(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	eng := a.engine

	prop, err := eng.Open(property.Type)
	require.NoError(t, err)
	_, err = eng.SetFields(prop.ID(), map[stepflow.FieldID]any{
		property.FieldName:       "Studio Montmartre",
		property.FieldAddress:    "12 rue Lepic",
		property.FieldCity:       "Paris",
		property.FieldPostalCode: "75018",
	})
	require.NoError(t, err)
	_, err = eng.Attach(ctx, prop.ID(), []attachment.File{
		attachment.FromBytes("front.jpg", "image/jpeg", []byte("jpeg")),
	})
	require.NoError(t, err)
	_, err = eng.Move(prop.ID(), stepflow.Transition{Direction: stepflow.DirectionNext})
	require.NoError(t, err)
	require.NoError(t, property.Process(ctx, eng, prop.ID(), nil))

	outcome, err := eng.Submit(ctx, prop.ID(), engine.SubmitOptions{})
	require.NoError(t, err)
	code := outcome.FieldString(property.FieldPropertyCode)
	require.True(t, stepflow.ValidPropertyCode(code))

	ten, err := eng.Open(tenant.Type)
	require.NoError(t, err)
	_, err = eng.SetFields(ten.ID(), map[stepflow.FieldID]any{
		tenant.FieldPropertyCode:  code,
		tenant.FieldReservationID: "R-100",
	})
	require.NoError(t, err)

	run, err := eng.Start(ctx, ten.ID(), tenant.StepCode)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = run.Wait(waitCtx)
	require.NoError(t, err)

	snap, err := tenant.Route(eng, ten.ID())
	require.NoError(t, err)
	assert.Equal(t, tenant.StepContact, snap.CurrentStep)
	assert.Equal(t, string(tenant.ReservationNew), snap.Fields[tenant.FieldReservationStatus])
}

func TestNewApp_UnknownPropertyCode(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	ten, err := a.engine.Open(tenant.Type)
	require.NoError(t, err)
	_, err = a.engine.SetFields(ten.ID(), map[stepflow.FieldID]any{
		tenant.FieldPropertyCode:  "SV-ABCDEF",
		tenant.FieldReservationID: "R-1",
	})
	require.NoError(t, err)

	run, err := a.engine.Start(ctx, ten.ID(), tenant.StepCode)
	require.NoError(t, err)
	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, stepflow.ErrNotFound)
}

func TestPrintOutcomes(t *testing.T) {
	created := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printOutcomes(&buf, []*stepflow.Outcome{
		{ReferenceID: "#SF-2026-00002", WorkflowType: fraudreport.Type, Status: stepflow.OutcomeStatusPending,
			FilesCount: 1, SupplementOf: "#SF-2026-00001", CreatedAt: created},
	}))

	out := buf.String()
	assert.Contains(t, out, "REFERENCE")
	assert.Contains(t, out, "#SF-2026-00002")
	assert.Contains(t, out, "#SF-2026-00001")
	assert.Contains(t, out, "2026-09-01T10:00:00Z")
}
