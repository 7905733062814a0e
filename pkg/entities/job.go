package entities

import "os"

type JobStatus string

const (
	JobStatusProcessing  JobStatus = "processing"
	JobStatusChecking    JobStatus = "checking-access"
	JobStatusAccessing   JobStatus = "accessing-message"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusDelivered   JobStatus = "delivered"
	JobStatusFailed      JobStatus = "failed"
)

// RetrievalJob is one user-initiated save request. Temporary files listed
// here are owned by the job and must be gone once it reaches a terminal
// state, success or not.
type RetrievalJob struct {
	UserID          int64
	RawLink         string
	Link            LinkReference
	Status          JobStatus
	StatusMessageID int

	DownloadPath string
	ThumbPath    string

	// ThumbGenerated marks ThumbPath as job-owned. A user-supplied
	// thumbnail override is never deleted.
	ThumbGenerated bool
}

// RemoveArtifacts deletes the job's temporary files. Safe to call multiple
// times and with paths that were never created.
func (j *RetrievalJob) RemoveArtifacts() {
	if j.DownloadPath != "" {
		_ = os.Remove(j.DownloadPath)
		j.DownloadPath = ""
	}
	if j.ThumbPath != "" && j.ThumbGenerated {
		_ = os.Remove(j.ThumbPath)
		j.ThumbPath = ""
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusDelivered || s == JobStatusFailed
}
