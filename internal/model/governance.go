package model

import "time"

// Safe-mode reasons.
const (
	ReasonQueueLarge  = "detection_queue_large"
	ReasonQueueStuck  = "detection_queue_stuck"
	ReasonManual      = "manual"
	ReasonEnvOverride = "env_override"
)

// PipelineGovernance is the process-wide singleton consulted before every
// pipeline invocation. Version increases on every write and guards
// compare-and-set updates.
type PipelineGovernance struct {
	SafeModeEnabled bool       `json:"safeModeEnabled"`
	Reason          string     `json:"reason"`
	EnabledAt       *time.Time `json:"enabledAt"`
	LastQueueSize   int        `json:"lastQueueSize"`
	UnchangedStreak int        `json:"unchangedStreak"`
	Version         int64      `json:"version"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ParseProgress is the side-channel progress record for a running extraction.
type ParseProgress struct {
	RunID     string    `json:"run_id"`
	Lane      string    `json:"lane"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connection identifies one mailbox linked to a user.
type Connection struct {
	ID       string `json:"id" mapstructure:"id"`
	UserID   string `json:"user_id" mapstructure:"user_id"`
	Provider string `json:"provider" mapstructure:"provider"`
	Label    string `json:"label" mapstructure:"label"`
}
