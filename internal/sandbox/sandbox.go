// Package sandbox provides in-process stand-ins for the external services
// the flows call: OTP delivery, identity and bank checks, photo scanning and
// analysis. Codes are logged instead of sent. Used by `safeverify serve`
// when no provider is configured, and by the demo.
package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/flows/property"
	"github.com/sicko7947/stepflow/flows/tenant"
)

// OTP issues six digit codes and logs them
type OTP struct {
	logger zerolog.Logger

	mu    sync.Mutex
	codes map[string]string
}

func NewOTP(logger zerolog.Logger) *OTP {
	return &OTP{logger: logger, codes: make(map[string]string)}
}

func (o *OTP) SendOTP(_ context.Context, ch tenant.Channel, destination string) error {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	o.mu.Lock()
	o.codes[string(ch)+":"+destination] = code
	o.mu.Unlock()

	o.logger.Info().
		Str("channel", string(ch)).
		Str("destination", destination).
		Str("code", code).
		Msg("Sandbox OTP issued")
	return nil
}

// VerifyOTP consumes the code on success
func (o *OTP) VerifyOTP(_ context.Context, ch tenant.Channel, destination, code string) (bool, error) {
	key := string(ch) + ":" + destination

	o.mu.Lock()
	defer o.mu.Unlock()
	if want, ok := o.codes[key]; ok && want == code {
		delete(o.codes, key)
		return true, nil
	}
	return false, nil
}

// Code returns the last code sent to destination
func (o *OTP) Code(ch tenant.Channel, destination string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	code, ok := o.codes[string(ch)+":"+destination]
	return code, ok
}

// Identity approves everyone with a fresh session id
type Identity struct{}

func (Identity) VerifyIdentity(context.Context, string, string) (tenant.IdentityResult, error) {
	return tenant.IdentityResult{Verified: true, SessionID: "sandbox-" + uuid.NewString()}, nil
}

// Bank approves every account
type Bank struct{}

func (Bank) VerifyAccount(context.Context, string) (bool, error) {
	return true, nil
}

// Photos scans and scores property photos. Scanning fails if any photo did
// not finish uploading, since the stager already ran the attachment scanner
// on completed ones.
type Photos struct{}

func (Photos) ScanPhotos(_ context.Context, photos []stepflow.Attachment) error {
	if len(photos) == 0 {
		return fmt.Errorf("no photos to scan")
	}
	for _, p := range photos {
		if p.Status != stepflow.AttachmentCompleted {
			return fmt.Errorf("%w: %s is %s", attachment.ErrInfected, p.Name, p.Status)
		}
	}
	return nil
}

// AnalyzePhotos scores by count; fewer than three photos is flagged
func (Photos) AnalyzePhotos(_ context.Context, photos []stepflow.Attachment) (property.Analysis, error) {
	a := property.Analysis{Score: min(1, 0.4+0.15*float64(len(photos)))}
	if len(photos) < 3 {
		a.Flags = append(a.Flags, "few_photos")
	}
	return a, nil
}

var (
	_ tenant.OTPService       = (*OTP)(nil)
	_ tenant.IdentityProvider = Identity{}
	_ tenant.BankVerifier     = Bank{}
	_ property.PhotoScanner   = Photos{}
	_ property.PhotoAnalyzer  = Photos{}
)
