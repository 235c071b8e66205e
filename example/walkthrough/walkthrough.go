// Package walkthrough drives an owner and a tenant through their workflows
// in process: the owner lists a property and gets a code, the tenant enters
// that code and verifies their identity. External services are sandboxed.
package walkthrough

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/flows/property"
	"github.com/sicko7947/stepflow/flows/tenant"
	"github.com/sicko7947/stepflow/internal/sandbox"
	"github.com/sicko7947/stepflow/store"
)

// Orchestrator owns an engine serving the property and tenant workflows
type Orchestrator struct {
	engine   *engine.Engine
	outcomes *store.MemoryStore
	otp      *sandbox.OTP
	out      io.Writer
}

// NewOrchestrator wires both workflows on a memory store. bankRequired
// decides whether tenants go through the bank step.
func NewOrchestrator(logger zerolog.Logger, out io.Writer, bankRequired bool) (*Orchestrator, error) {
	outcomes := store.NewMemoryStore()
	otp := sandbox.NewOTP(logger)

	prop, err := property.NewDefinition(property.Config{
		Scanner:  sandbox.Photos{},
		Analyzer: sandbox.Photos{},
		Logger:   logger,
		Tick:     20 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create property workflow: %w", err)
	}
	ten, err := tenant.NewDefinition(tenant.Config{
		Reservations: tenant.NewOutcomeReservations(outcomes, property.Type, bankRequired),
		OTP:          otp,
		Identity:     sandbox.Identity{},
		Bank:         sandbox.Bank{},
		Logger:       logger,
		Tick:         20 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant workflow: %w", err)
	}
	registry, err := stepflow.NewRegistry(prop, ten)
	if err != nil {
		return nil, err
	}

	submitter := engine.NewSubmitter(outcomes, store.NewMemorySequencer(), engine.WithSubmitLogger(logger))
	return &Orchestrator{
		engine:   engine.NewEngine(registry, submitter, engine.WithLogger(logger)),
		outcomes: outcomes,
		otp:      otp,
		out:      out,
	}, nil
}

// Outcomes returns the store both workflows submit to
func (o *Orchestrator) Outcomes() stepflow.OutcomeStore {
	return o.outcomes
}

// ListProperty runs the owner side and returns the property outcome
func (o *Orchestrator) ListProperty(ctx context.Context, photos ...string) (*stepflow.Outcome, error) {
	inst, err := o.engine.Open(property.Type)
	if err != nil {
		return nil, err
	}
	id := inst.ID()

	if _, err := o.engine.SetFields(id, map[stepflow.FieldID]any{
		property.FieldName:       "Studio Montmartre",
		property.FieldAddress:    "12 rue Lepic",
		property.FieldCity:       "Paris",
		property.FieldPostalCode: "75018",
	}); err != nil {
		return nil, err
	}

	files := make([]attachment.File, len(photos))
	for i, name := range photos {
		files[i] = attachment.FromBytes(name, "image/jpeg", []byte("jpeg"))
	}
	res, err := o.engine.Attach(ctx, id, files)
	if err != nil {
		return nil, err
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(o.out, "photo %s rejected: %s\n", rej.Name, rej.Reason)
	}

	if _, err := o.engine.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext}); err != nil {
		return nil, err
	}
	err = property.Process(ctx, o.engine, id, func(ev engine.ProgressEvent) {
		fmt.Fprintf(o.out, "  %-8s %3d%%\n", ev.StepID, ev.Percent)
	})
	if err != nil {
		return nil, err
	}

	outcome, err := o.engine.Submit(ctx, id, engine.SubmitOptions{})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(o.out, "property %s listed with code %s\n  %s\n",
		outcome.ReferenceID,
		outcome.FieldString(property.FieldPropertyCode),
		outcome.FieldString(property.FieldVerificationLink))
	return outcome, nil
}

// VerifyTenant runs the tenant side for a reservation. A reservation
// verified before ends on the complete step without a new outcome.
func (o *Orchestrator) VerifyTenant(ctx context.Context, propertyCode, reservationID string) (stepflow.Snapshot, *stepflow.Outcome, error) {
	inst, err := o.engine.Open(tenant.Type)
	if err != nil {
		return stepflow.Snapshot{}, nil, err
	}
	id := inst.ID()

	if err := o.fillAndRun(ctx, id, tenant.StepCode, map[stepflow.FieldID]any{
		tenant.FieldPropertyCode:  propertyCode,
		tenant.FieldReservationID: reservationID,
	}); err != nil {
		return stepflow.Snapshot{}, nil, err
	}
	snap, err := tenant.Route(o.engine, id)
	if err != nil {
		return snap, nil, err
	}
	if tenant.AlreadyVerified(snap) {
		fmt.Fprintf(o.out, "reservation %s already verified\n", reservationID)
		return snap, nil, nil
	}

	const email, phone = "tenant@example.com", "+33 6 12 34 56 78"
	steps := []struct {
		step   stepflow.StepID
		fields func() map[stepflow.FieldID]any
	}{
		{tenant.StepContact, func() map[stepflow.FieldID]any {
			return map[stepflow.FieldID]any{tenant.FieldEmail: email, tenant.FieldPhone: phone}
		}},
		{tenant.StepOTPEmail, func() map[stepflow.FieldID]any {
			code, _ := o.otp.Code(tenant.ChannelEmail, email)
			return map[stepflow.FieldID]any{tenant.FieldOTPEmail: code}
		}},
		{tenant.StepOTPSMS, func() map[stepflow.FieldID]any {
			code, _ := o.otp.Code(tenant.ChannelSMS, phone)
			return map[stepflow.FieldID]any{tenant.FieldOTPSMS: code}
		}},
		{tenant.StepKYC, nil},
		{tenant.StepBank, nil},
	}

	for _, s := range steps {
		if snap.CurrentStep != s.step {
			continue
		}
		var fields map[stepflow.FieldID]any
		if s.fields != nil {
			fields = s.fields()
		}
		if err := o.fillAndRun(ctx, id, s.step, fields); err != nil {
			return snap, nil, err
		}
		if snap, err = o.engine.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext}); err != nil {
			return snap, nil, err
		}
		fmt.Fprintf(o.out, "  %-9s done\n", s.step)
	}

	outcome, err := o.engine.Submit(ctx, id, engine.SubmitOptions{})
	if err != nil {
		return snap, nil, err
	}
	fmt.Fprintf(o.out, "tenant verified as %s\n", outcome.ReferenceID)
	return snap, outcome, nil
}

func (o *Orchestrator) fillAndRun(ctx context.Context, id string, step stepflow.StepID, fields map[stepflow.FieldID]any) error {
	if len(fields) > 0 {
		if _, err := o.engine.SetFields(id, fields); err != nil {
			return err
		}
	}
	run, err := o.engine.Start(ctx, id, step)
	if err != nil {
		return err
	}
	if _, err := run.Wait(ctx); err != nil {
		return fmt.Errorf("step %s failed: %w", step, err)
	}
	return nil
}
