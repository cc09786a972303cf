package pipeline

// State is a step of a run. idle → uploading → extracting → validating →
// awaiting review → submitting → done, with failed reachable from any step.
type State string

const (
	StateIdle           State = "idle"
	StateUploading      State = "uploading"
	StateExtracting     State = "extracting"
	StateValidating     State = "validating"
	StateAwaitingReview State = "awaiting_review"
	StateSubmitting     State = "submitting"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition can follow s
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
