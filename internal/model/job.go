package model

import "time"

// Counts is a face/vertex measurement of a document.
type Counts struct {
	Faces    int `json:"faces"`
	Vertices int `json:"vertices"`
}

// Stats is the before/after snapshot stored with every job.
type Stats struct {
	FacesBefore    int `json:"facesBefore"`
	FacesAfter     int `json:"facesAfter"`
	VerticesBefore int `json:"verticesBefore"`
	VerticesAfter  int `json:"verticesAfter"`
}

// NewStats pairs two measurements.
func NewStats(before, after Counts) Stats {
	return Stats{
		FacesBefore:    before.Faces,
		FacesAfter:     after.Faces,
		VerticesBefore: before.Vertices,
		VerticesAfter:  after.Vertices,
	}
}

// JobMetadata is the JSON sidecar persisted next to every output artifact.
// A zero ExpiresAt means the sidecar carried no expiration.
type JobMetadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
	OriginalSize  int64     `json:"originalSize"`
	OptimizedSize int64     `json:"optimizedSize"`
	Stats         Stats     `json:"stats"`
	StorageKey    string    `json:"storageKey"`
	Filename      string    `json:"filename,omitempty"`
	UserID        string    `json:"userId,omitempty"`
}

// JobResult is the terminal success payload of a job's progress stream.
type JobResult struct {
	JobID         string    `json:"jobId"`
	DownloadURL   string    `json:"downloadUrl"`
	OriginalSize  int64     `json:"originalSize"`
	OptimizedSize int64     `json:"optimizedSize"`
	Stats         Stats     `json:"stats"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// HistoryRecord is what entitled callers can list after a job completes.
type HistoryRecord struct {
	JobID         string           `json:"jobId"`
	UserID        string           `json:"-"`
	Filename      string           `json:"filename"`
	OriginalSize  int64            `json:"originalSize"`
	OptimizedSize int64            `json:"optimizedSize"`
	Stats         Stats            `json:"stats"`
	Settings      OptimizeSettings `json:"settings"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}
