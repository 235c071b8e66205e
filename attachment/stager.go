package attachment

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sicko7947/stepflow"
)

// DefaultConcurrency bounds parallel uploads per Stage call
const DefaultConcurrency = 4

// Stager runs the local checks and uploads accepted files
type Stager struct {
	uploader    Uploader
	scanner     Scanner
	logger      zerolog.Logger
	observer    stepflow.Observer
	concurrency int
	keyPrefix   string
}

// StagerOption configures the stager
type StagerOption func(*Stager)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) StagerOption {
	return func(s *Stager) {
		s.logger = logger
	}
}

// WithScanner scans every accepted file before upload
func WithScanner(scanner Scanner) StagerOption {
	return func(s *Stager) {
		s.scanner = scanner
	}
}

// WithObserver receives rejection counters
func WithObserver(o stepflow.Observer) StagerOption {
	return func(s *Stager) {
		s.observer = o
	}
}

// WithConcurrency bounds parallel uploads
func WithConcurrency(n int) StagerOption {
	return func(s *Stager) {
		s.concurrency = n
	}
}

// WithKeyPrefix prefixes every storage key
func WithKeyPrefix(prefix string) StagerOption {
	return func(s *Stager) {
		s.keyPrefix = prefix
	}
}

// NewStager creates a stager
func NewStager(uploader Uploader, opts ...StagerOption) *Stager {
	s := &Stager{
		uploader: uploader,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel),
		observer:    stepflow.NopObserver{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StageResult reports what happened to each file of a Stage call
type StageResult struct {
	Staged   []stepflow.Attachment         `json:"staged"`
	Rejected []*stepflow.FileRejectedError `json:"rejected"`
}

// Stage checks files against the current step's limits, adds the accepted
// ones to the instance as queued and uploads them concurrently. Rejected
// files never reach the instance. A failed upload marks only that file as
// errored; the others carry on.
//
// Stage returns once every accepted file has reached completed or error.
func (s *Stager) Stage(ctx context.Context, inst *stepflow.Instance, files []File) (*StageResult, error) {
	step := inst.CurrentStep()
	if step.Attachments == nil {
		return nil, fmt.Errorf("%w: step %s does not accept attachments", stepflow.ErrInvalidTransition, step.ID)
	}
	policy := PolicyFor(*step.Attachments)
	typ := inst.Definition().Type()
	logger := stepflow.InstanceLogger(s.logger, inst.ID(), typ)

	result := &StageResult{}
	type job struct {
		id   string
		file File
	}
	var jobs []job

	held := inst.AttachmentCount()
	for _, f := range files {
		if rej := policy.Check(f.Name, f.Size, held); rej != nil {
			stepflow.LogFileRejected(logger, inst.ID(), rej)
			s.observer.FileRejected(typ, rej.Reason)
			result.Rejected = append(result.Rejected, rej)
			continue
		}
		a := stepflow.Attachment{
			ID:        uuid.New().String(),
			Name:      f.Name,
			SizeBytes: f.Size,
			Status:    stepflow.AttachmentQueued,
		}
		inst.AddAttachment(a)
		jobs = append(jobs, job{id: a.ID, file: f})
		held++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for _, j := range jobs {
		g.Go(func() error {
			s.upload(gctx, inst, j.id, j.file, logger)
			return nil
		})
	}
	_ = g.Wait()

	staged := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		staged[j.id] = true
	}
	for _, a := range inst.Snapshot().Attachments {
		if staged[a.ID] {
			result.Staged = append(result.Staged, a)
		}
	}
	return result, nil
}

func (s *Stager) upload(ctx context.Context, inst *stepflow.Instance, id string, f File, logger zerolog.Logger) {
	key := path.Join(s.keyPrefix, inst.ID(), id+Extension(f.Name))
	inst.UpdateAttachment(id, func(a *stepflow.Attachment) {
		a.Status = stepflow.AttachmentUploading
	})

	err := s.scan(ctx, f)
	if err == nil {
		err = s.uploader.Upload(ctx, key, f)
	}
	if err != nil {
		stepflow.LogAttachmentFailed(logger, inst.ID(), id, err)
		inst.UpdateAttachment(id, func(a *stepflow.Attachment) {
			a.Status = stepflow.AttachmentError
			a.Error = err.Error()
		})
		return
	}

	var done stepflow.Attachment
	inst.UpdateAttachment(id, func(a *stepflow.Attachment) {
		a.Status = stepflow.AttachmentCompleted
		a.Key = key
		done = *a
	})
	stepflow.LogAttachmentUploaded(logger, inst.ID(), done)
}

func (s *Stager) scan(ctx context.Context, f File) error {
	if s.scanner == nil {
		return nil
	}
	body, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer body.Close()
	if err := s.scanner.Scan(ctx, f.Name, body); err != nil {
		return fmt.Errorf("scan of %s failed: %w", f.Name, err)
	}
	return nil
}

// Remove drops an attachment from the instance and deletes its stored copy
func (s *Stager) Remove(ctx context.Context, inst *stepflow.Instance, attachmentID string) error {
	var key string
	for _, a := range inst.Snapshot().Attachments {
		if a.ID == attachmentID {
			key = a.Key
		}
	}
	if !inst.RemoveAttachment(attachmentID) {
		return fmt.Errorf("attachment %s: %w", attachmentID, stepflow.ErrNotFound)
	}
	if key == "" {
		return nil
	}
	if err := s.uploader.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete stored attachment")
	}
	return nil
}
