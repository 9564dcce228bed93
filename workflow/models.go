package workflow

import (
	"time"

	"assetflow/identity"
)

// StepType distinguishes how one resolution step executes.
type StepType string

const (
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepAutoAction   StepType = "auto_action"
)

// Reason describes one discrepancy category that triggers a workflow,
// including the deadline window its SLA tracking inherits.
type Reason struct {
	ID      string
	Label   string
	Timeout time.Duration
}

// StepDefinition is one ordered unit of a reason's resolution process.
// FallbackSeq, when set, names the step a rejected or expired approval
// routes to; a nil fallback cancels the instance.
type StepDefinition struct {
	ReasonID     string
	Seq          int
	Type         StepType
	RequiredRole identity.Role
	Timeout      time.Duration
	FallbackSeq  *int
	Message      string
}

// InstanceStatus is the workflow instance lifecycle state.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Instance mirrors the workflow_instances table. Once terminal it never
// transitions again.
type Instance struct {
	ID          string
	ReasonID    string
	LoanID      string
	CurrentStep int
	Status      InstanceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApprovalStatus is the movement approval lifecycle state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval mirrors the movement_approvals table. Expiry is time
// triggered, independent of user action.
type Approval struct {
	ID           string
	LoanID       string
	InstanceID   string
	StepSeq      int
	RequiredRole identity.Role
	Status       ApprovalStatus
	ApprovedBy   *string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

func (a Approval) terminal() bool {
	return a.Status != ApprovalPending
}

// Decision is an operator's verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)
