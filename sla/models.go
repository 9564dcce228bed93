package sla

import "time"

// Status is the lifecycle state of one SLA tracking row.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

// Tracking mirrors the sla_tracking table. EscalationLevel is monotone
// non-decreasing while the row is overdue and freezes the instant the row
// resolves.
type Tracking struct {
	ID                  string
	LoanID              string
	ReasonID            string
	InstanceID          string
	StartAt             time.Time
	EstimatedCompletion time.Time
	Status              Status
	EscalationLevel     int
	LastNotifiedAt      *time.Time
}

func (t Tracking) resolved() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}
