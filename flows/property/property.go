// Package property defines the property creation workflow. The owner fills
// in the listing and uploads photos; the photos are then scanned, analyzed,
// and a property code plus verification link are generated.
package property

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/engine"
)

// Type is the registry key of the workflow
const Type stepflow.WorkflowType = "property"

const (
	StepDetails  stepflow.StepID = "details"
	StepScan     stepflow.StepID = "scan"
	StepAnalyze  stepflow.StepID = "analyze"
	StepGenerate stepflow.StepID = "generate"
)

const (
	FieldName        stepflow.FieldID = "name"
	FieldAddress     stepflow.FieldID = "address"
	FieldCity        stepflow.FieldID = "city"
	FieldPostalCode  stepflow.FieldID = "postalCode"
	FieldDescription stepflow.FieldID = "description"

	FieldScannedPhotos    stepflow.FieldID = "scannedPhotos"
	FieldPhotoScore       stepflow.FieldID = "photoScore"
	FieldPhotoFlags       stepflow.FieldID = "photoFlags"
	FieldPropertyCode     stepflow.FieldID = "propertyCode"
	FieldVerificationLink stepflow.FieldID = "verificationLink"
)

// DefaultHost serves verification links
const DefaultHost = "safeverify.com"

// PhotoScanner checks uploaded photos for malware
type PhotoScanner interface {
	ScanPhotos(ctx context.Context, photos []stepflow.Attachment) error
}

// Analysis is what the photo analyzer concludes
type Analysis struct {
	// Score in 0..1; higher means the photos look like a genuine listing
	Score float64
	Flags []string
}

// PhotoAnalyzer judges whether photos show a real, consistent listing
type PhotoAnalyzer interface {
	AnalyzePhotos(ctx context.Context, photos []stepflow.Attachment) (Analysis, error)
}

// Config wires the collaborators of the workflow
type Config struct {
	Host     string
	Scanner  PhotoScanner
	Analyzer PhotoAnalyzer
	Logger   zerolog.Logger

	// Tick paces the progress reported while a collaborator works
	Tick    time.Duration
	Breaker engine.BreakerConfig
}

// NewDefinition builds the property step table
func NewDefinition(cfg Config) (*stepflow.Definition, error) {
	if cfg.Scanner == nil || cfg.Analyzer == nil {
		return nil, fmt.Errorf("property workflow needs a scanner and an analyzer")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 200 * time.Millisecond
	}

	details := stepflow.NewStepSpec(StepDetails, "Property details", []stepflow.FieldSpec{
		{ID: FieldName, Type: stepflow.FieldString},
		{ID: FieldAddress, Type: stepflow.FieldString},
		{ID: FieldCity, Type: stepflow.FieldString},
		{ID: FieldPostalCode, Type: stepflow.FieldString},
		{ID: FieldDescription, Type: stepflow.FieldString},
	},
		stepflow.WithRequired(FieldName, FieldAddress, FieldCity, FieldPostalCode),
		stepflow.WithAttachments(stepflow.DefaultPhotoLimits),
	)

	scanBreaker := cfg.Breaker
	scanBreaker.Name = "property-scan"
	// an infected upload is a verdict, not an outage
	scanBreaker.Rejections = []error{attachment.ErrInfected}
	scan := stepflow.NewStepSpec(StepScan, "File security", nil,
		stepflow.WithAction(engine.NewTicker(
			engine.NewBreaker(scanAction(cfg.Scanner), scanBreaker, cfg.Logger),
			cfg.Tick, 10)),
		stepflow.WithOutputs(FieldScannedPhotos),
	)

	analyzeBreaker := cfg.Breaker
	analyzeBreaker.Name = "property-analyze"
	analyze := stepflow.NewStepSpec(StepAnalyze, "Image analysis", nil,
		stepflow.WithAction(engine.NewTicker(
			engine.NewBreaker(analyzeAction(cfg.Analyzer), analyzeBreaker, cfg.Logger),
			cfg.Tick, 10)),
		stepflow.WithOutputs(FieldPhotoScore, FieldPhotoFlags),
	)

	generate := stepflow.NewStepSpec(StepGenerate, "Finalize", nil,
		stepflow.WithAction(generateAction(cfg.Host)),
		stepflow.WithOutputs(FieldPropertyCode, FieldVerificationLink),
	)

	def, err := builder.NewDefinition(Type, "Property").
		WithDescription("Register a property and obtain its verification code").
		Sequence(details, scan, analyze, generate).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build property workflow: %w", err)
	}
	return def, nil
}

func completedPhotos(v stepflow.View) []stepflow.Attachment {
	var out []stepflow.Attachment
	for _, a := range v.Attachments {
		if a.Status == stepflow.AttachmentCompleted {
			out = append(out, a)
		}
	}
	return out
}

func scanAction(scanner PhotoScanner) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		photos := completedPhotos(ctx.View)
		if err := scanner.ScanPhotos(ctx, photos); err != nil {
			return nil, err
		}
		ctx.Logger.Info().Int("photos", len(photos)).Msg("Photos scanned")
		return stepflow.Result{FieldScannedPhotos: len(photos)}, nil
	})
}

func analyzeAction(analyzer PhotoAnalyzer) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		analysis, err := analyzer.AnalyzePhotos(ctx, completedPhotos(ctx.View))
		if err != nil {
			return nil, err
		}
		result := stepflow.Result{FieldPhotoScore: analysis.Score}
		if len(analysis.Flags) > 0 {
			result[FieldPhotoFlags] = analysis.Flags
		}
		return result, nil
	})
}

func generateAction(host string) stepflow.Action {
	return stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		name, err := stepflow.GetField[string](ctx, FieldName)
		if err != nil {
			return nil, err
		}
		code, err := stepflow.NewPropertyCode()
		if err != nil {
			return nil, err
		}
		ctx.Logger.Info().Str("property", name).Str("code", code).Msg("Property code generated")
		return stepflow.Result{
			FieldPropertyCode:     code,
			FieldVerificationLink: stepflow.VerificationLink(host, code),
		}, nil
	})
}

// Process drives an instance sitting on the scan step through scan, analyze
// and generate, advancing after each run. onEvent sees every progress event.
// The instance ends on generate, ready to submit.
func Process(ctx context.Context, eng *engine.Engine, instanceID string, onEvent func(engine.ProgressEvent)) error {
	_, err := eng.RunPipeline(ctx, instanceID, onEvent, StepScan, StepAnalyze, StepGenerate)
	return err
}
