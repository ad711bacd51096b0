package models

import "time"

// CampaignRunKey identifies the campaign a run belongs to
type CampaignRunKey string

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state is final
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// RunRecord is the registry's view of one run of the generation job
type RunRecord struct {
	CampaignKey CampaignRunKey
	RunID       string
	StartedAt   time.Time
	FinishedAt  *time.Time
	State       RunState
}

// LogStream names the child process stream a line came from
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// RawLogLine is one line of console output from the generation job
type RawLogLine struct {
	Text   string
	Stream LogStream
}

// Campaign is the subset of a campaign document the run layer needs
type Campaign struct {
	ID        CampaignRunKey
	Name      string
	UpdatedAt time.Time
}

// JobInput is the resolved input handed to the generation job
type JobInput struct {
	Path string // file the job reads the campaign document from
	// Cleanup releases any temporary material behind Path. May be nil.
	Cleanup func()
}
