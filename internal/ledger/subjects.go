package ledger

import "fmt"

// RunSubject identifies the organizer credit for a run.
func RunSubject(runID string) string {
	return "run:" + runID
}

// RaiderSubject identifies one participant's credit for one checkpoint.
// Checkpoint 0 is used when a run ends without any checkpoint.
func RaiderSubject(runID string, checkpoint int, actorID string) string {
	return fmt.Sprintf("run:%s:cp:%d:%s", runID, checkpoint, actorID)
}

// KeyPopSubject identifies the key holder credit for a checkpoint.
func KeyPopSubject(runID string, checkpoint int) string {
	return fmt.Sprintf("run:%s:key:%d", runID, checkpoint)
}
