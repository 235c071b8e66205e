// Package tenant defines the tenant verification workflow: reservation code,
// contact details, email and SMS one-time codes, identity check, optional
// bank check.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/engine"
)

// Type is the registry key of the workflow
const Type stepflow.WorkflowType = "tenant_verification"

const (
	StepCode     stepflow.StepID = "code"
	StepContact  stepflow.StepID = "contact"
	StepOTPEmail stepflow.StepID = "otp_email"
	StepOTPSMS   stepflow.StepID = "otp_sms"
	StepKYC      stepflow.StepID = "kyc"
	StepBank     stepflow.StepID = "bank"
	StepComplete stepflow.StepID = "complete"
)

const (
	FieldPropertyCode  stepflow.FieldID = "propertyCode"
	FieldReservationID stepflow.FieldID = "reservationId"
	FieldEmail         stepflow.FieldID = "email"
	FieldPhone         stepflow.FieldID = "phone"
	FieldOTPEmail      stepflow.FieldID = "otpEmail"
	FieldOTPSMS        stepflow.FieldID = "otpSms"

	// written by actions
	FieldReservationStatus stepflow.FieldID = "reservationStatus"
	FieldBankRequired      stepflow.FieldID = "bankRequired"
	FieldEmailVerified     stepflow.FieldID = "emailVerified"
	FieldPhoneVerified     stepflow.FieldID = "phoneVerified"
	FieldIdentitySession   stepflow.FieldID = "identitySession"
	FieldBankVerified      stepflow.FieldID = "bankVerified"
)

var (
	ErrInvalidCode      = errors.New("verification code does not match")
	ErrIdentityRejected = errors.New("identity could not be verified")
	ErrBankRejected     = errors.New("bank account could not be verified")
)

// ReservationStatus is how far a tenant got in an earlier session
type ReservationStatus string

const (
	ReservationNew      ReservationStatus = "new"
	ReservationOTPDone  ReservationStatus = "otp_done"
	ReservationVerified ReservationStatus = "verified"
)

// Reservation is what the owner side knows about a booking
type Reservation struct {
	Status ReservationStatus
	// BankCheckRequired follows the owner's settings
	BankCheckRequired bool
}

// ReservationLookup resolves a property code and reservation id
type ReservationLookup interface {
	LookupReservation(ctx context.Context, propertyCode, reservationID string) (Reservation, error)
}

// Channel is where a one-time code is sent
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// OTPService sends and checks one-time codes. VerifyOTP must consume a
// code that matches, so the same code never verifies twice.
type OTPService interface {
	SendOTP(ctx context.Context, channel Channel, destination string) error
	VerifyOTP(ctx context.Context, channel Channel, destination, code string) (bool, error)
}

// IdentityResult is the outcome of a KYC check
type IdentityResult struct {
	Verified  bool
	SessionID string
}

// IdentityProvider runs the KYC check
type IdentityProvider interface {
	VerifyIdentity(ctx context.Context, email, phone string) (IdentityResult, error)
}

// BankVerifier confirms the tenant holds a bank account in their name
type BankVerifier interface {
	VerifyAccount(ctx context.Context, email string) (bool, error)
}

// Config wires the collaborators of the workflow
type Config struct {
	Reservations ReservationLookup
	OTP          OTPService
	Identity     IdentityProvider
	Bank         BankVerifier

	Limiter *OTPLimiter
	Logger  zerolog.Logger
	Breaker engine.BreakerConfig
	// Tick paces the progress reported during identity and bank checks
	Tick time.Duration
}

var (
	otpPattern   = regexp.MustCompile(`^\d{6}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 .\-()]{6,20}$`)
	codePattern  = regexp.MustCompile(`^SV-[A-Z0-9]{6}$`)
)

// NewDefinition builds the tenant verification step table
func NewDefinition(cfg Config) (*stepflow.Definition, error) {
	if cfg.Reservations == nil || cfg.OTP == nil || cfg.Identity == nil || cfg.Bank == nil {
		return nil, fmt.Errorf("tenant workflow needs reservation, otp, identity and bank collaborators")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewOTPLimiter(DefaultLimiterConfig)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 300 * time.Millisecond
	}

	code := stepflow.NewStepSpec(StepCode, "Reservation", []stepflow.FieldSpec{
		{ID: FieldPropertyCode, Type: stepflow.FieldString, Pattern: codePattern},
		{ID: FieldReservationID, Type: stepflow.FieldString},
	},
		stepflow.WithRequired(FieldPropertyCode, FieldReservationID),
		stepflow.WithAction(lookupAction(cfg.Reservations)),
		stepflow.WithOutputs(FieldReservationStatus, FieldBankRequired),
	)

	contact := stepflow.NewStepSpec(StepContact, "Contact", []stepflow.FieldSpec{
		{ID: FieldEmail, Type: stepflow.FieldString, Pattern: emailPattern},
		{ID: FieldPhone, Type: stepflow.FieldString, Pattern: phonePattern},
	},
		stepflow.WithRequired(FieldEmail, FieldPhone),
		stepflow.WithAction(sendCodesAction(cfg.OTP, cfg.Limiter)),
		stepflow.WithOutputs(FieldEmailVerified, FieldPhoneVerified),
	)

	otpEmail := stepflow.NewStepSpec(StepOTPEmail, "Email code", []stepflow.FieldSpec{
		{ID: FieldOTPEmail, Type: stepflow.FieldString, Pattern: otpPattern},
	},
		stepflow.WithPredicate(codeEntered(FieldOTPEmail, FieldEmailVerified)),
		stepflow.WithAction(verifyCodeAction(cfg.OTP, cfg.Limiter, ChannelEmail, FieldEmail, FieldOTPEmail, FieldEmailVerified)),
		stepflow.WithOutputs(FieldEmailVerified),
	)

	otpSMS := stepflow.NewStepSpec(StepOTPSMS, "SMS code", []stepflow.FieldSpec{
		{ID: FieldOTPSMS, Type: stepflow.FieldString, Pattern: otpPattern},
	},
		stepflow.WithPredicate(codeEntered(FieldOTPSMS, FieldPhoneVerified)),
		stepflow.WithAction(verifyCodeAction(cfg.OTP, cfg.Limiter, ChannelSMS, FieldPhone, FieldOTPSMS, FieldPhoneVerified)),
		stepflow.WithOutputs(FieldPhoneVerified),
	)

	kycBreaker := cfg.Breaker
	kycBreaker.Name = "tenant-identity"
	kycBreaker.Rejections = []error{ErrIdentityRejected}
	kyc := stepflow.NewStepSpec(StepKYC, "Identity", nil,
		stepflow.WithAction(engine.NewTicker(
			engine.NewBreaker(identityAction(cfg.Identity), kycBreaker, cfg.Logger),
			cfg.Tick, 5)),
		stepflow.WithOutputs(FieldIdentitySession),
		stepflow.WithTimeout(2*time.Minute),
	)

	bankBreaker := cfg.Breaker
	bankBreaker.Name = "tenant-bank"
	bankBreaker.Rejections = []error{ErrBankRejected}
	bank := stepflow.NewStepSpec(StepBank, "Bank account", nil,
		stepflow.WithAction(engine.NewTicker(
			engine.NewBreaker(bankAction(cfg.Bank), bankBreaker, cfg.Logger),
			cfg.Tick, 10)),
		stepflow.WithOutputs(FieldBankVerified),
		stepflow.WithTimeout(time.Minute),
	)

	complete := stepflow.NewStepSpec(StepComplete, "Complete", nil)

	def, err := builder.NewDefinition(Type, "Tenant verification").
		WithDescription("Verify a tenant before check-in").
		Sequence(code, contact, otpEmail, otpSMS, kyc).
		ThenStepIf(bank, func(v stepflow.View) bool { return v.Bool(FieldBankRequired) }).
		ThenStep(complete).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build tenant workflow: %w", err)
	}
	return def, nil
}

// codeEntered passes once the code is typed in, and keeps passing after the
// verify action cleared it
func codeEntered(code, verified stepflow.FieldID) stepflow.Predicate {
	return func(v stepflow.View) *stepflow.ValidationError {
		if v.Bool(verified) || v.Has(code) {
			return nil
		}
		return &stepflow.ValidationError{Missing: []stepflow.FieldID{code}}
	}
}

func lookupAction(lookup ReservationLookup) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		res, err := lookup.LookupReservation(ctx, ctx.View.String(FieldPropertyCode), ctx.View.String(FieldReservationID))
		if err != nil {
			return nil, err
		}
		status := res.Status
		if status == "" {
			status = ReservationNew
		}
		return stepflow.Result{
			FieldReservationStatus: string(status),
			FieldBankRequired:      res.BankCheckRequired,
		}, nil
	})
}

func sendCodesAction(otp OTPService, limiter *OTPLimiter) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		sends := []struct {
			channel     Channel
			destination string
		}{
			{ChannelEmail, ctx.View.String(FieldEmail)},
			{ChannelSMS, ctx.View.String(FieldPhone)},
		}
		for _, s := range sends {
			if !limiter.Allow(destinationKey(s.channel, s.destination)) {
				return nil, fmt.Errorf("%w: %s", ErrOTPRateLimited, s.channel)
			}
		}
		for i, s := range sends {
			if err := otp.SendOTP(ctx, s.channel, s.destination); err != nil {
				return nil, fmt.Errorf("failed to send %s code: %w", s.channel, err)
			}
			limiter.ResetAttempts(destinationKey(s.channel, s.destination))
			ctx.Report((i + 1) * 50)
		}
		// a fresh send invalidates codes typed for the previous one
		return stepflow.Result{
			FieldOTPEmail:      nil,
			FieldOTPSMS:        nil,
			FieldEmailVerified: nil,
			FieldPhoneVerified: nil,
		}, nil
	})
}

func destinationKey(channel Channel, destination string) string {
	return string(channel) + ":" + destination
}

func verifyCodeAction(otp OTPService, limiter *OTPLimiter, channel Channel, destination, code, verified stepflow.FieldID) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		// already verified on this send; the code was consumed
		if ctx.View.Bool(verified) {
			return stepflow.Result{code: nil, verified: true}, nil
		}

		key := destinationKey(channel, ctx.View.String(destination))
		if limiter.AttemptsLeft(key) <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrTooManyAttempts, channel)
		}
		ok, err := otp.VerifyOTP(ctx, channel, ctx.View.String(destination), ctx.View.String(code))
		if err != nil {
			return nil, err
		}
		if !ok {
			left := limiter.Fail(key)
			ctx.Logger.Warn().Str("channel", string(channel)).Int("attempts_left", left).Msg("Verification code rejected")
			return nil, fmt.Errorf("%w: %s", ErrInvalidCode, channel)
		}
		limiter.ResetAttempts(key)
		// the code itself is never kept
		return stepflow.Result{code: nil, verified: true}, nil
	})
}

func identityAction(idp IdentityProvider) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		res, err := idp.VerifyIdentity(ctx, ctx.View.String(FieldEmail), ctx.View.String(FieldPhone))
		if err != nil {
			return nil, err
		}
		if !res.Verified {
			return nil, ErrIdentityRejected
		}
		return stepflow.Result{FieldIdentitySession: res.SessionID}, nil
	})
}

func bankAction(bank BankVerifier) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		ok, err := bank.VerifyAccount(ctx, ctx.View.String(FieldEmail))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBankRejected
		}
		return stepflow.Result{FieldBankVerified: true}, nil
	})
}
