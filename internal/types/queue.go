package types

import "time"

// QueueItemStatus is the IngestionQueueItem lifecycle status.
type QueueItemStatus string

const (
	QueueItemQueued   QueueItemStatus = "queued"
	QueueItemRetrying QueueItemStatus = "retrying"
	QueueItemDropped  QueueItemStatus = "dropped"
)

// QueueJob is the continuation queue's row shape (C6).
type QueueJob struct {
	ID                int64
	UserID            int64
	ScholarProfileID  int64
	ResumeCstart      int
	Reason            string
	Status            QueueItemStatus
	AttemptCount      int
	NextAttemptDT     time.Time
	LastRunID         *int64
	LastError         *string
	DroppedReason     *string
	DroppedAt         *time.Time
}

// ActiveQueueStatuses are the statuses list_due_jobs considers.
var ActiveQueueStatuses = []QueueItemStatus{QueueItemQueued, QueueItemRetrying}
