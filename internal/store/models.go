package store

import "time"

// Artifact statuses
const (
	StatusCollected = "collected"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
	StatusRunning   = "running"
)

// CollectionRun records one collection pass against one target
type CollectionRun struct {
	ID              int64
	Target          string
	Username        string
	Methods         string // comma-separated connector labels
	StartTime       time.Time
	EndTime         time.Time
	ArtifactsOK     int
	ArtifactsFailed int
	BytesCollected  int64
	Status          string // "running", "collected", "partial", "failed"
	ErrorMessage    string
}

// Artifact tracks one piece of evidence pulled from a target
type Artifact struct {
	ID           int64
	RunID        int64
	Target       string
	Method       string
	Prefix       string // report prefix, e.g. "registry-SAM"
	RemotePath   string
	LocalPath    string
	Size         int64
	SHA256       string
	Status       string // "collected" or "failed"
	ErrorMessage string
	CollectedAt  time.Time
}
