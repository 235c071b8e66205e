package stepflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Instance-level events
	EventInstanceCreated    = "instance_created"
	EventInstanceReset      = "instance_reset"
	EventInstanceAbandoned  = "instance_abandoned"
	EventTransitionApplied  = "transition_applied"
	EventTransitionRejected = "transition_rejected"

	// Run-level events
	EventRunStarted   = "step_run_started"
	EventRunProgress  = "step_run_progress"
	EventRunCompleted = "step_run_completed"
	EventRunFailed    = "step_run_failed"
	EventRunStale     = "step_run_stale"
	EventStepSkipped  = "step_skipped"

	// Attachment events
	EventFileRejected       = "file_rejected"
	EventAttachmentUploaded = "attachment_uploaded"
	EventAttachmentFailed   = "attachment_failed"

	// Persistence events
	EventOutcomeAppended   = "outcome_appended"
	EventDuplicateDetected = "duplicate_detected"
	EventPersistenceError  = "persistence_error"
)

// LogInstanceCreated logs when an instance is opened
func LogInstanceCreated(logger zerolog.Logger, instanceID string, typ WorkflowType) {
	logger.Info().
		Str("event", EventInstanceCreated).
		Str("instance_id", instanceID).
		Str("workflow_type", typ.String()).
		Msg("Instance created")
}

// LogInstanceReset logs when an instance returns to its first step
func LogInstanceReset(logger zerolog.Logger, instanceID string) {
	logger.Info().
		Str("event", EventInstanceReset).
		Str("instance_id", instanceID).
		Msg("Instance reset")
}

// LogInstanceAbandoned logs when an instance is discarded
func LogInstanceAbandoned(logger zerolog.Logger, instanceID string, reason string) {
	logger.Info().
		Str("event", EventInstanceAbandoned).
		Str("instance_id", instanceID).
		Str("reason", reason).
		Msg("Instance abandoned")
}

// LogTransitionApplied logs a successful move
func LogTransitionApplied(logger zerolog.Logger, instanceID string, dir Direction, from, to StepID) {
	logger.Info().
		Str("event", EventTransitionApplied).
		Str("instance_id", instanceID).
		Str("direction", string(dir)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Transition applied")
}

// LogTransitionRejected logs a refused move
func LogTransitionRejected(logger zerolog.Logger, instanceID string, dir Direction, err error) {
	logger.Debug().
		Str("event", EventTransitionRejected).
		Str("instance_id", instanceID).
		Str("direction", string(dir)).
		Str("code", ErrorCode(err)).
		Err(err).
		Msg("Transition rejected")
}

// LogRunStarted logs when a step run starts
func LogRunStarted(logger zerolog.Logger, runID string, step StepID, superseded string) {
	evt := logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Str("step_id", string(step))
	if superseded != "" {
		evt = evt.Str("superseded_run_id", superseded)
	}
	evt.Msg("Step run started")
}

// LogRunProgress logs run progress
func LogRunProgress(logger zerolog.Logger, runID string, percent int) {
	logger.Debug().
		Str("event", EventRunProgress).
		Str("run_id", runID).
		Int("percent", percent).
		Msg("Step run progress")
}

// LogRunCompleted logs successful completion
func LogRunCompleted(logger zerolog.Logger, runID string, step StepID, duration time.Duration) {
	logger.Info().
		Str("event", EventRunCompleted).
		Str("run_id", runID).
		Str("step_id", string(step)).
		Dur("duration", duration).
		Msg("Step run completed")
}

// LogRunFailed logs run failure
func LogRunFailed(logger zerolog.Logger, runID string, step StepID, err error) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Str("step_id", string(step)).
		Str("code", ErrorCode(err)).
		Err(err).
		Msg("Step run failed")
}

// LogRunStale logs a result discarded because the run was superseded
func LogRunStale(logger zerolog.Logger, runID string, step StepID) {
	logger.Warn().
		Str("event", EventRunStale).
		Str("run_id", runID).
		Str("step_id", string(step)).
		Msg("Discarding result of stale run")
}

// LogStepSkipped logs when a conditional step is skipped
func LogStepSkipped(logger zerolog.Logger, instanceID string, step StepID) {
	logger.Info().
		Str("event", EventStepSkipped).
		Str("instance_id", instanceID).
		Str("step_id", string(step)).
		Msg("Step skipped")
}

// LogFileRejected logs a file refused by the attachment policy
func LogFileRejected(logger zerolog.Logger, instanceID string, err *FileRejectedError) {
	logger.Warn().
		Str("event", EventFileRejected).
		Str("instance_id", instanceID).
		Str("file", err.Name).
		Str("reason", string(err.Reason)).
		Msg("File rejected")
}

// LogAttachmentUploaded logs a finished upload
func LogAttachmentUploaded(logger zerolog.Logger, instanceID string, a Attachment) {
	logger.Info().
		Str("event", EventAttachmentUploaded).
		Str("instance_id", instanceID).
		Str("attachment_id", a.ID).
		Int64("size_bytes", a.SizeBytes).
		Msg("Attachment uploaded")
}

// LogAttachmentFailed logs a failed upload
func LogAttachmentFailed(logger zerolog.Logger, instanceID, attachmentID string, err error) {
	logger.Error().
		Str("event", EventAttachmentFailed).
		Str("instance_id", instanceID).
		Str("attachment_id", attachmentID).
		Err(err).
		Msg("Attachment upload failed")
}

// LogOutcomeAppended logs a persisted outcome
func LogOutcomeAppended(logger zerolog.Logger, o *Outcome) {
	evt := logger.Info().
		Str("event", EventOutcomeAppended).
		Str("reference", o.ReferenceID).
		Str("workflow_type", o.WorkflowType.String()).
		Int("files_count", o.FilesCount)
	if o.SupplementOf != "" {
		evt = evt.Str("supplement_of", o.SupplementOf)
	}
	evt.Msg("Outcome appended")
}

// LogDuplicateDetected logs a possible duplicate returned to the caller
func LogDuplicateDetected(logger zerolog.Logger, instanceID, existing string) {
	logger.Info().
		Str("event", EventDuplicateDetected).
		Str("instance_id", instanceID).
		Str("existing_reference", existing).
		Msg("Possible duplicate outcome")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// InstanceLogger creates a logger enriched with instance context
func InstanceLogger(baseLogger zerolog.Logger, instanceID string, typ WorkflowType) zerolog.Logger {
	return baseLogger.With().
		Str("instance_id", instanceID).
		Str("workflow_type", typ.String()).
		Logger()
}

// RunLogger creates a logger enriched with run context
func RunLogger(instanceLogger zerolog.Logger, runID string, step StepID) zerolog.Logger {
	return instanceLogger.With().
		Str("run_id", runID).
		Str("step_id", string(step)).
		Logger()
}
