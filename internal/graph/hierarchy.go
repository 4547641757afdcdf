// Package graph is the work-item graph engine: hierarchy validation,
// sibling ordering, sequence numbers, and progress/status propagation
// from leaves to roots.
package graph

import (
	"github.com/taskmesh/taskmesh/internal/types"
)

// allowedChildren maps a parent type to the child types it may contain.
var allowedChildren = map[types.ItemType][]types.ItemType{
	types.TypeInitiative: {types.TypeEpic, types.TypeTask},
	types.TypeEpic:       {types.TypeFeature, types.TypeStory, types.TypeTask},
	types.TypeFeature:    {types.TypeStory, types.TypeTask},
	types.TypeStory:      {types.TypeTask},
	types.TypeTask:       {},
}

// AllowedChild reports whether child may be nested under parent.
func AllowedChild(parent, child types.ItemType) bool {
	for _, t := range allowedChildren[parent] {
		if t == child {
			return true
		}
	}
	return false
}

// Leaf progress contributions by status. Blocked contributing 0.25 is a
// fixed constant of the system; cancelled leaves are excluded from parent
// averaging entirely.
const (
	ProgressNotStarted = 0.0
	ProgressInProgress = 0.5
	ProgressBlocked    = 0.25
	ProgressCompleted  = 1.0
	ProgressCancelled  = 0.0
)

// LeafProgress is the pure status→progress function for leaves.
func LeafProgress(s types.Status) float64 {
	switch s {
	case types.StatusInProgress:
		return ProgressInProgress
	case types.StatusBlocked:
		return ProgressBlocked
	case types.StatusCompleted:
		return ProgressCompleted
	case types.StatusCancelled:
		return ProgressCancelled
	default:
		return ProgressNotStarted
	}
}

// deriveNonLeaf computes a parent's progress and status from its
// children. Cancelled children are excluded from the progress average.
func deriveNonLeaf(children []*types.WorkItem) (float64, types.Status) {
	var (
		sum       float64
		included  int
		completed int
		cancelled int
		notStart  int
		blocked   int
	)
	for _, c := range children {
		switch c.Status {
		case types.StatusCancelled:
			cancelled++
			continue
		case types.StatusCompleted:
			completed++
		case types.StatusNotStarted:
			notStart++
		case types.StatusBlocked:
			blocked++
		}
		sum += c.Progress
		included++
	}

	progress := 0.0
	if included > 0 {
		progress = sum / float64(included)
	}

	n := len(children)
	var status types.Status
	switch {
	case completed+cancelled == n && completed >= 1:
		status = types.StatusCompleted
	case cancelled == n:
		status = types.StatusCancelled
	case notStart == included && cancelled == 0:
		status = types.StatusNotStarted
	case blocked > 0:
		status = types.StatusBlocked
	default:
		status = types.StatusInProgress
	}
	return progress, status
}
