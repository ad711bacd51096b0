package models

import "time"

// Pipeline describes how the generation job is launched and how its output
// is interpreted
type Pipeline struct {
	Command         string
	Args            []string // may reference {input}, {campaign} and {output_dir}
	WorkingDir      string
	OutputDir       string
	Env             map[string]string
	StderrTailLines int

	AssetMarkers    []string
	ImageExtensions []string

	PendingCap int           // events buffered before a consumer attaches
	LiveCap    int           // events queued while a consumer is attached
	Heartbeat  time.Duration // SSE keepalive interval

	SilenceTimeout time.Duration // 0 disables the watchdog
}
