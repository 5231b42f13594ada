// Package engine executes resolved workflow plans wave by wave, persisting
// one run record and one step execution per node.
package engine

import (
	"time"

	"github.com/pathware/flowengine/types"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one node execution within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Run is one execution of a specific definition version.
type Run struct {
	RunID             string
	DefinitionID      string
	DefinitionVersion int
	Status            RunStatus
	TriggeredBy       string
	Input             types.Payload
	StartedAt         time.Time
	CompletedAt       *time.Time
	NodesSucceeded    int
	NodesFailed       int
}

// Duration returns the wall time of the run, zero while still running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StepExecution is the trace record for one node within a run. Retries
// reuse the record: AttemptCount climbs and the status passes through
// retrying until the step lands on a terminal status.
//
// Input and Output hold the payloads as handed to and produced by the
// handler. Node configuration is never copied here, so secret references
// stay unresolved in everything this struct persists.
type StepExecution struct {
	RunID        string
	NodeID       string
	TypeKey      string
	Status       StepStatus
	Input        types.Payload
	Output       types.Payload
	Error        string
	AttemptCount int
	StartedAt    time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
}

// StatusReport is the snapshot returned by Engine.GetStatus.
type StatusReport struct {
	Run   *Run
	Steps []*StepExecution
}
