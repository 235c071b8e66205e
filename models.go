package stepflow

import "time"

// WorkflowType names a workflow definition (e.g. "fraud_report")
type WorkflowType string

// String returns the string representation
func (t WorkflowType) String() string {
	return string(t)
}

// StepID identifies a step inside a definition
type StepID string

// FieldID identifies a field collected by a workflow
type FieldID string

// StepStatus represents the state of a step inside one instance
type StepStatus string

const (
	StepStatusNotStarted StepStatus = "not_started"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// IsTerminal returns true if no run is pending for the step
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// AttachmentStatus tracks a staged file
type AttachmentStatus string

const (
	AttachmentQueued    AttachmentStatus = "queued"
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentCompleted AttachmentStatus = "completed"
	AttachmentError     AttachmentStatus = "error"
)

// IsTerminal returns true if the attachment will not change anymore
func (s AttachmentStatus) IsTerminal() bool {
	return s == AttachmentCompleted || s == AttachmentError
}

// String returns the string representation
func (s AttachmentStatus) String() string {
	return string(s)
}

// OutcomeStatus is the review state of a persisted outcome. Only a reviewer
// moves it past pending.
type OutcomeStatus string

const (
	OutcomeStatusPending  OutcomeStatus = "pending"
	OutcomeStatusInReview OutcomeStatus = "in_review"
	OutcomeStatusResolved OutcomeStatus = "resolved"
	OutcomeStatusRejected OutcomeStatus = "rejected"
)

// IsValid reports whether s is a known status
func (s OutcomeStatus) IsValid() bool {
	switch s {
	case OutcomeStatusPending, OutcomeStatusInReview, OutcomeStatusResolved, OutcomeStatusRejected:
		return true
	}
	return false
}

// String returns the string representation
func (s OutcomeStatus) String() string {
	return string(s)
}

// Attachment is a file staged on an instance
type Attachment struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	SizeBytes int64            `json:"sizeBytes"`
	Status    AttachmentStatus `json:"status"`
	Key       string           `json:"key,omitempty"`   // storage location once uploaded
	Error     string           `json:"error,omitempty"` // set when Status is error
}

// Snapshot is an immutable copy of an instance, safe to render or serialize
type Snapshot struct {
	InstanceID   string                `json:"instanceId"`
	WorkflowType WorkflowType          `json:"workflowType"`
	CurrentIndex int                   `json:"currentIndex"`
	CurrentStep  StepID                `json:"currentStep"`
	Fields       map[FieldID]any       `json:"fields"`
	StepStatus   map[StepID]StepStatus `json:"stepStatus"`
	Attachments  []Attachment          `json:"attachments"`
	Reference    string                `json:"reference,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
}

// CompletedAttachments counts attachments that finished uploading
func (s Snapshot) CompletedAttachments() int {
	n := 0
	for _, a := range s.Attachments {
		if a.Status == AttachmentCompleted {
			n++
		}
	}
	return n
}

// Outcome is the durable record created when an instance reaches its
// terminal step. SubmittedFields never change after Append.
type Outcome struct {
	ReferenceID     string         `json:"reference" dynamodbav:"reference"`
	WorkflowType    WorkflowType   `json:"workflowType" dynamodbav:"workflow_type"`
	InstanceID      string         `json:"instanceId" dynamodbav:"instance_id"`
	SubmittedFields map[string]any `json:"submittedFields" dynamodbav:"submitted_fields"`
	FilesCount      int            `json:"filesCount" dynamodbav:"files_count"`
	Status          OutcomeStatus  `json:"status" dynamodbav:"status"`
	SupplementOf    string         `json:"supplementOf,omitempty" dynamodbav:"supplement_of,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" dynamodbav:"updated_at"`
}

// Clone returns a deep copy of the outcome
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := *o
	if o.SubmittedFields != nil {
		c.SubmittedFields = make(map[string]any, len(o.SubmittedFields))
		for k, v := range o.SubmittedFields {
			c.SubmittedFields[k] = v
		}
	}
	return &c
}

// FieldString returns a submitted field as a string, or "" if absent
func (o *Outcome) FieldString(id FieldID) string {
	if o == nil {
		return ""
	}
	s, _ := o.SubmittedFields[string(id)].(string)
	return s
}
