package internal

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversion job.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is an immutable snapshot of a conversion job.
type Job struct {
	ID             uuid.UUID  `json:"jobId"`
	OutputCode     string     `json:"outputCode"`
	AssetName      string     `json:"assetName"`
	SequenceNumber int        `json:"sequenceNumber"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	Error          *string    `json:"error"`
	PlaylistURL    *string    `json:"playlistUrl"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt"`

	WebhookURI   *string `json:"-"`
	WebhookToken []byte  `json:"-"`
}

// SourceFile is an uploaded media file already spooled to local disk.
type SourceFile struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
}

// Submission is the normalized request to convert one file.
type Submission struct {
	File           *SourceFile
	AssetName      string
	SequenceNumber string
	WebhookURI     *string
	WebhookToken   []byte
}

// WebhookJobArgs contains the arguments for a webhook notification job.
type WebhookJobArgs struct {
	URI         string    `json:"uri"`
	Token       []byte    `json:"token,omitempty"`
	JobID       uuid.UUID `json:"jobId"`
	Status      Status    `json:"status"`
	PlaylistURL *string   `json:"playlistUrl,omitempty"`
	Error       *string   `json:"error,omitempty"`
}

// Kind returns the job kind identifier for River.
func (WebhookJobArgs) Kind() string {
	return "webhook"
}
