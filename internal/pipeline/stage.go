package pipeline

import "fmt"

// Stage is the orchestrator's position in a cycle.
type Stage string

const (
	StageIdle       Stage = "IDLE"
	StageScanning   Stage = "SCANNING"
	StageDiffing    Stage = "DIFFING"
	StageImporting  Stage = "IMPORTING"
	StagePersisting Stage = "PERSISTING"
	StagePacking    Stage = "PACKING"
	StageDone       Stage = "DONE"
)

// Result is the terminal outcome of a cycle.
type Result string

const (
	ResultNone           Result = ""
	ResultSuccess        Result = "SUCCESS"
	ResultPartialFailure Result = "PARTIAL_FAILURE"
	ResultFatal          Result = "FATAL"

	// ResultCancelled marks a cycle stopped by its context before every
	// stale asset was handled. Finished outcomes are still persisted.
	ResultCancelled Result = "CANCELLED"
)

// transition validates a stage change. Any stage may end the cycle early.
func transition(from, to Stage) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed stage transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to Stage) bool {
	if to == StageDone {
		return from != StageIdle && from != StageDone
	}
	switch from {
	case StageIdle:
		return to == StageScanning
	case StageScanning:
		return to == StageDiffing
	case StageDiffing:
		// An empty diff with unsaved changes goes straight to Persisting.
		return to == StageImporting || to == StagePersisting
	case StageImporting:
		return to == StagePersisting
	case StagePersisting:
		return to == StagePacking
	case StageDone:
		return to == StageIdle
	default:
		return false
	}
}
