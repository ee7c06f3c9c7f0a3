package model

import "time"

// JobStatus is a bundle job lifecycle state.
type JobStatus string

// Job states. queued -> processing -> (completed | failed | retrying -> processing).
const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BundleJobRequest represents the request body for submitting a bundle creation job.
type BundleJobRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Currency    string   `json:"currency,omitempty"`
	ContentIDs  []string `json:"contentIds"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// BundleJob is a durable bundle creation job stored in bundle_jobs.
// NextAttemptAt schedules the next claim; LeaseExpiresAt bounds a processing claim.
type BundleJob struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	Status         JobStatus        `json:"status"`
	Progress       int              `json:"progress"` // 0-100
	CurrentStep    string           `json:"currentStep"`
	Request        BundleJobRequest `json:"request"`
	BundleID       string           `json:"bundleId,omitempty"`
	Error          string           `json:"error,omitempty"`
	RetryCount     int              `json:"retryCount"`
	MaxRetries     int              `json:"maxRetries"`
	NextAttemptAt  time.Time        `json:"nextAttemptAt"`
	LeaseExpiresAt time.Time        `json:"leaseExpiresAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    time.Time        `json:"completedAt"`
}

// JobStatusResponse is the polling view of a job.
type JobStatusResponse struct {
	JobID       string    `json:"jobId"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep"`
	BundleID    string    `json:"bundleId,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StatusView returns the polling view of the job.
func (j *BundleJob) StatusView() JobStatusResponse {
	return JobStatusResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		BundleID:    j.BundleID,
		Error:       j.Error,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		UpdatedAt:   j.UpdatedAt,
	}
}
