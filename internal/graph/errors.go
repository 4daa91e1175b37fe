package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDetection marks a detection row that violates the data model
	// (frame out of range, negative box size, NaN values).
	ErrInvalidDetection = errors.New("invalid detection")

	// ErrNegativeOffset is returned when a retained pair has frame(j) < frame(i).
	// It indicates an enumeration or lookup defect, never bad input data.
	ErrNegativeOffset = errors.New("negative temporal offset")

	// ErrOffsetNotCovered is returned by a WeightTable asked for an offset it
	// has no coefficients for.
	ErrOffsetNotCovered = errors.New("temporal offset not covered by weight table")

	// ErrIndexOutOfRange is returned by lookups with an unknown detection index.
	ErrIndexOutOfRange = errors.New("detection index out of range")
)

// InvalidShapeError reports a detections table that is not N×6.
type InvalidShapeError struct {
	Rows, Cols int
	WantCols   int
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid detections shape (%d, %d): want %d columns", e.Rows, e.Cols, e.WantCols)
}

// ShapeMismatchError reports fused signal arrays of different lengths.
type ShapeMismatchError struct {
	Signal string
	Got    int
	Want   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s has %d values, want %d", e.Signal, e.Got, e.Want)
}

// Collaborator names used in CollaboratorError.
const (
	CollaboratorCrop       = "crop"
	CollaboratorAppearance = "appearance"
	CollaboratorMotion     = "motion"
	CollaboratorWeights    = "weights"
	CollaboratorFrames     = "frames"
)

// CollaboratorError wraps a failure of an external collaborator together with
// the pair (or detection) it failed for. Src/Dst are -1 when the failure
// concerns a whole batch.
type CollaboratorError struct {
	Collaborator string
	Src, Dst     int
	Err          error
}

func (e *CollaboratorError) Error() string {
	if e.Src < 0 && e.Dst < 0 {
		return fmt.Sprintf("%s collaborator: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s collaborator (pair %d,%d): %v", e.Collaborator, e.Src, e.Dst, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
