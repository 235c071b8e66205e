package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/store"
)

type fakeReservations map[string]Reservation

func (f fakeReservations) LookupReservation(_ context.Context, code, id string) (Reservation, error) {
	r, ok := f[code+"/"+id]
	if !ok {
		return Reservation{}, errors.New("reservation not found")
	}
	return r, nil
}

// fakeOTP accepts "123456" for every destination and records sends
type fakeOTP struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOTP) SendOTP(_ context.Context, ch Channel, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(ch)+":"+dest)
	return nil
}

func (f *fakeOTP) VerifyOTP(_ context.Context, _ Channel, _, code string) (bool, error) {
	return code == "123456", nil
}

func (f *fakeOTP) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeIdentity struct{ verified bool }

func (f fakeIdentity) VerifyIdentity(context.Context, string, string) (IdentityResult, error) {
	return IdentityResult{Verified: f.verified, SessionID: "kyc-1"}, nil
}

type fakeBank struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBank) VerifyAccount(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return true, nil
}

func (f *fakeBank) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	eng  *engine.Engine
	otp  *fakeOTP
	bank *fakeBank
}

func newFixture(t *testing.T, identityOK bool, limiter *OTPLimiter) *fixture {
	t.Helper()
	f := &fixture{otp: &fakeOTP{}, bank: &fakeBank{}}
	def, err := NewDefinition(Config{
		Reservations: fakeReservations{
			"SV-ABC123/new":      {Status: ReservationNew, BankCheckRequired: true},
			"SV-ABC123/nobank":   {Status: ReservationNew},
			"SV-ABC123/resume":   {Status: ReservationOTPDone, BankCheckRequired: true},
			"SV-ABC123/verified": {Status: ReservationVerified},
		},
		OTP:      f.otp,
		Identity: fakeIdentity{verified: identityOK},
		Bank:     f.bank,
		Limiter:  limiter,
		Logger:   zerolog.Nop(),
		Tick:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	registry, err := stepflow.NewRegistry(def)
	require.NoError(t, err)

	submitter := engine.NewSubmitter(store.NewMemoryStore(), store.NewMemorySequencer(), engine.WithSubmitLogger(zerolog.Nop()))
	f.eng = engine.NewEngine(registry, submitter, engine.WithLogger(zerolog.Nop()))
	return f
}

func (f *fixture) run(t *testing.T, id string, step stepflow.StepID) error {
	t.Helper()
	r, err := f.eng.Start(context.Background(), id, step)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = r.Wait(ctx)
	return err
}

func (f *fixture) set(t *testing.T, id string, values map[stepflow.FieldID]any) {
	t.Helper()
	_, err := f.eng.SetFields(id, values)
	require.NoError(t, err)
}

func (f *fixture) next(t *testing.T, id string) stepflow.Snapshot {
	t.Helper()
	snap, err := f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext})
	require.NoError(t, err)
	return snap
}

// open enters the reservation and routes off the code step
func (f *fixture) open(t *testing.T, reservation string) (string, stepflow.Snapshot) {
	t.Helper()
	inst, err := f.eng.Open(Type)
	require.NoError(t, err)
	f.set(t, inst.ID(), map[stepflow.FieldID]any{FieldPropertyCode: "SV-ABC123", FieldReservationID: reservation})
	require.NoError(t, f.run(t, inst.ID(), StepCode))
	snap, err := Route(f.eng, inst.ID())
	require.NoError(t, err)
	return inst.ID(), snap
}

// verifyContact walks contact and both code steps, ending on kyc
func (f *fixture) verifyContact(t *testing.T, id string) {
	t.Helper()
	f.set(t, id, map[stepflow.FieldID]any{FieldEmail: "tenant@example.com", FieldPhone: "+33 6 12 34 56 78"})
	require.NoError(t, f.run(t, id, StepContact))
	f.next(t, id)

	f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: "123456"})
	require.NoError(t, f.run(t, id, StepOTPEmail))
	f.next(t, id)

	f.set(t, id, map[stepflow.FieldID]any{FieldOTPSMS: "123456"})
	require.NoError(t, f.run(t, id, StepOTPSMS))
	snap := f.next(t, id)
	require.Equal(t, StepKYC, snap.CurrentStep)
}

func TestTenant_FullFlowWithBankCheck(t *testing.T) {
	f := newFixture(t, true, nil)
	id, snap := f.open(t, "new")
	assert.Equal(t, StepContact, snap.CurrentStep)

	f.verifyContact(t, id)
	assert.ElementsMatch(t, []string{"email:tenant@example.com", "sms:+33 6 12 34 56 78"}, f.otp.sends())

	require.NoError(t, f.run(t, id, StepKYC))
	assert.Equal(t, StepBank, f.next(t, id).CurrentStep)
	require.NoError(t, f.run(t, id, StepBank))
	snap = f.next(t, id)
	assert.Equal(t, StepComplete, snap.CurrentStep)
	assert.Equal(t, 1, f.bank.count())

	_, hasCode := snap.Fields[FieldOTPEmail]
	assert.False(t, hasCode, "verified codes are not kept")
	assert.Equal(t, true, snap.Fields[FieldEmailVerified])

	outcome, err := f.eng.Submit(context.Background(), id, engine.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "kyc-1", outcome.FieldString(FieldIdentitySession))
	assert.NotContains(t, outcome.SubmittedFields, string(FieldOTPSMS))
}

func TestTenant_BankStepSkippedWhenNotRequired(t *testing.T) {
	f := newFixture(t, true, nil)
	id, _ := f.open(t, "nobank")
	f.verifyContact(t, id)

	require.NoError(t, f.run(t, id, StepKYC))
	snap := f.next(t, id)
	assert.Equal(t, StepComplete, snap.CurrentStep)
	assert.Equal(t, stepflow.StepStatusCompleted, snap.StepStatus[StepBank])
	assert.Zero(t, f.bank.count())

	prev, err := f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionPrevious})
	require.NoError(t, err)
	assert.Equal(t, StepKYC, prev.CurrentStep)
}

func TestTenant_ResumeAfterOTP(t *testing.T) {
	f := newFixture(t, true, nil)
	_, snap := f.open(t, "resume")

	assert.Equal(t, StepKYC, snap.CurrentStep)
	for _, step := range []stepflow.StepID{StepCode, StepContact, StepOTPEmail, StepOTPSMS} {
		assert.Equal(t, stepflow.StepStatusCompleted, snap.StepStatus[step], step)
	}
	assert.Empty(t, f.otp.sends())
	assert.False(t, AlreadyVerified(snap))
}

func TestTenant_AlreadyVerified(t *testing.T) {
	f := newFixture(t, true, nil)
	_, snap := f.open(t, "verified")

	assert.Equal(t, StepComplete, snap.CurrentStep)
	assert.True(t, AlreadyVerified(snap))
}

func TestTenant_RouteNeedsCompletedLookup(t *testing.T) {
	f := newFixture(t, true, nil)
	inst, err := f.eng.Open(Type)
	require.NoError(t, err)

	_, err = Route(f.eng, inst.ID())
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)

	f.set(t, inst.ID(), map[stepflow.FieldID]any{FieldPropertyCode: "SV-ABC123", FieldReservationID: "unknown"})
	assert.ErrorIs(t, f.run(t, inst.ID(), StepCode), stepflow.ErrStepExecutionFailed)
	_, err = Route(f.eng, inst.ID())
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)
}

func TestTenant_WrongCodeFailsRun(t *testing.T) {
	f := newFixture(t, true, nil)
	id, _ := f.open(t, "new")
	f.set(t, id, map[stepflow.FieldID]any{FieldEmail: "tenant@example.com", FieldPhone: "0612345678"})
	require.NoError(t, f.run(t, id, StepContact))
	f.next(t, id)

	f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: "000000"})
	err := f.run(t, id, StepOTPEmail)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext})
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)

	f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: "12345"})
	_, err = f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext})
	assert.ErrorIs(t, err, stepflow.ErrValidationFailed)
}

func TestTenant_IdentityRejected(t *testing.T) {
	f := newFixture(t, false, nil)
	id, _ := f.open(t, "new")
	f.verifyContact(t, id)

	err := f.run(t, id, StepKYC)
	assert.ErrorIs(t, err, ErrIdentityRejected)
	_, err = f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext})
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)
}

func TestTenant_ResendIsRateLimited(t *testing.T) {
	limiter := NewOTPLimiter(LimiterConfig{Every: time.Hour, Burst: 2})
	f := newFixture(t, true, limiter)
	id, _ := f.open(t, "new")
	f.set(t, id, map[stepflow.FieldID]any{FieldEmail: "tenant@example.com", FieldPhone: "0612345678"})

	require.NoError(t, f.run(t, id, StepContact))
	require.NoError(t, f.run(t, id, StepContact))
	err := f.run(t, id, StepContact)
	assert.ErrorIs(t, err, ErrOTPRateLimited)
	assert.Len(t, f.otp.sends(), 4)
}

func TestOTPLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	l := NewOTPLimiter(LimiterConfig{Every: time.Minute, Burst: 1, MaxAge: time.Hour})
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("email:a@example.com"))
	assert.False(t, l.Allow("email:a@example.com"))
	assert.True(t, l.Allow("sms:0600000000"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(2 * time.Minute)
	assert.True(t, l.Allow("email:a@example.com"))

	now = now.Add(90 * time.Minute)
	assert.Equal(t, 2, l.Prune())
	assert.Zero(t, l.Len())
}

func TestTenant_ActionFieldsAreReadOnly(t *testing.T) {
	f := newFixture(t, true, nil)
	id, snap := f.open(t, "nobank")
	require.Equal(t, StepContact, snap.CurrentStep)

	for _, field := range []stepflow.FieldID{FieldReservationStatus, FieldBankRequired, FieldEmailVerified, FieldIdentitySession} {
		_, err := f.eng.SetFields(id, map[stepflow.FieldID]any{field: "verified"})
		var fwe *stepflow.FieldWriteError
		require.ErrorAs(t, err, &fwe, field)
		assert.True(t, fwe.ReadOnly, field)
	}

	_, err := f.eng.SetFields(id, map[stepflow.FieldID]any{"isAdmin": true})
	assert.ErrorIs(t, err, stepflow.ErrFieldNotWritable)

	inst, err := f.eng.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, false, inst.Snapshot().Fields[FieldBankRequired])
	assert.Equal(t, string(ReservationNew), inst.Snapshot().Fields[FieldReservationStatus])
}

func TestTenant_ChangedEmailRequiresReverification(t *testing.T) {
	f := newFixture(t, true, nil)
	id, _ := f.open(t, "nobank")
	f.verifyContact(t, id)
	require.NoError(t, f.run(t, id, StepKYC))
	require.Equal(t, StepComplete, f.next(t, id).CurrentStep)

	snap, err := f.eng.SetFields(id, map[stepflow.FieldID]any{FieldEmail: "someone-else@example.com"})
	require.NoError(t, err)
	for _, step := range []stepflow.StepID{StepContact, StepOTPEmail, StepOTPSMS, StepKYC} {
		assert.Equal(t, stepflow.StepStatusNotStarted, snap.StepStatus[step], step)
	}
	assert.Equal(t, stepflow.StepStatusCompleted, snap.StepStatus[StepCode])
	assert.NotContains(t, snap.Fields, FieldEmailVerified)
	assert.NotContains(t, snap.Fields, FieldIdentitySession)

	_, err = f.eng.Submit(context.Background(), id, engine.SubmitOptions{})
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)
	assert.ErrorContains(t, err, string(StepContact))
}

func TestTenant_WrongCodesLockUntilResend(t *testing.T) {
	limiter := NewOTPLimiter(LimiterConfig{Every: time.Hour, Burst: 5, MaxAttempts: 2})
	f := newFixture(t, true, limiter)
	id, _ := f.open(t, "new")
	f.set(t, id, map[stepflow.FieldID]any{FieldEmail: "tenant@example.com", FieldPhone: "0612345678"})
	require.NoError(t, f.run(t, id, StepContact))
	f.next(t, id)

	for _, guess := range []string{"000000", "111111"} {
		f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: guess})
		assert.ErrorIs(t, f.run(t, id, StepOTPEmail), ErrInvalidCode)
	}

	// the right code no longer helps
	f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: "123456"})
	assert.ErrorIs(t, f.run(t, id, StepOTPEmail), ErrTooManyAttempts)

	// a resend unlocks verification
	_, err := f.eng.Move(id, stepflow.Transition{Direction: stepflow.DirectionPrevious})
	require.NoError(t, err)
	require.NoError(t, f.run(t, id, StepContact))
	f.next(t, id)
	f.set(t, id, map[stepflow.FieldID]any{FieldOTPEmail: "123456"})
	require.NoError(t, f.run(t, id, StepOTPEmail))
	assert.Equal(t, StepOTPSMS, f.next(t, id).CurrentStep)
}

func TestOTPLimiter_Attempts(t *testing.T) {
	l := NewOTPLimiter(LimiterConfig{MaxAttempts: 3})
	key := "email:a@example.com"

	assert.Equal(t, 3, l.AttemptsLeft(key))
	assert.Equal(t, 2, l.Fail(key))
	assert.Equal(t, 1, l.Fail(key))
	assert.Equal(t, 0, l.Fail(key))
	assert.Equal(t, 0, l.Fail(key))
	assert.Zero(t, l.AttemptsLeft(key))

	l.ResetAttempts(key)
	assert.Equal(t, 3, l.AttemptsLeft(key))
	assert.Equal(t, 3, l.AttemptsLeft("sms:0600000000"))
}
