// Package types defines core data structures for the taskmesh work service.
package types

import (
	"time"
)

// WorkItem is one node in the work hierarchy (initiative/epic/feature/story/task).
type WorkItem struct {
	ID          string   `json:"id"`
	Namespace   string   `json:"namespace"`
	Type        ItemType `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Complexity  string   `json:"complexity,omitempty"` // simple|moderate|complex, empty = unset

	ParentID   string `json:"parent_id,omitempty"`
	OrderIndex int    `json:"order_index"`

	// SequenceNumber is a cache of the dotted-path label (e.g. "2.1.3").
	// The derived value computed from position is authoritative; any stored
	// value that disagrees is overwritten on read.
	SequenceNumber string `json:"sequence_number,omitempty"`

	// Progress is derived for non-leaves (mean of included children).
	Progress float64 `json:"progress"`

	// ManuallyCancelled marks a non-leaf whose status was set to cancelled
	// by operator action. Status derivation is suppressed for such nodes.
	ManuallyCancelled bool `json:"manually_cancelled,omitempty"`

	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	ContextTags        []string `json:"context_tags,omitempty"`
	Notes              string   `json:"notes,omitempty"`

	// Execution is the advisory execution record kept by execute_work_item.
	Execution *ExecutionRecord `json:"execution,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchText is the text indexed for keyword and semantic search.
func (w *WorkItem) SearchText() string {
	if w.Description == "" {
		return w.Title
	}
	return w.Title + " " + w.Description
}

// Field limits for work items.
const (
	TitleMaxLen            = 200
	DescriptionMaxLen      = 10000
	AcceptanceCriteriaMax  = 20
	AcceptanceCriterionMax = 500
	SlugMaxLen             = 100
	WhenToUseMax           = 10
	KeywordsMax            = 20
	ChildrenSlugsMax       = 50
	RelatedSlugsMax        = 20
	LinkedEpicsMax         = 20
	UseCasesMax            = 10
)

// Validate checks field values and limits. It does not check hierarchy
// rules; those belong to the graph engine.
func (w *WorkItem) Validate() error {
	if len(w.Title) == 0 {
		return Validation("title is required")
	}
	if len(w.Title) > TitleMaxLen {
		return Validation("title must be %d characters or less (got %d)", TitleMaxLen, len(w.Title))
	}
	if len(w.Description) > DescriptionMaxLen {
		return Validation("description must be %d characters or less (got %d)", DescriptionMaxLen, len(w.Description))
	}
	if !w.Type.IsValid() {
		return Validation("invalid item type: %s", w.Type)
	}
	if !w.Status.IsValid() {
		return Validation("invalid status: %s", w.Status)
	}
	if !w.Priority.IsValid() {
		return Validation("invalid priority: %s", w.Priority)
	}
	if w.Complexity != "" && w.Complexity != "simple" && w.Complexity != "moderate" && w.Complexity != "complex" {
		return Validation("invalid complexity: %s", w.Complexity)
	}
	if len(w.AcceptanceCriteria) > AcceptanceCriteriaMax {
		return Validation("at most %d acceptance criteria allowed (got %d)", AcceptanceCriteriaMax, len(w.AcceptanceCriteria))
	}
	for _, c := range w.AcceptanceCriteria {
		if len(c) > AcceptanceCriterionMax {
			return Validation("acceptance criterion must be %d characters or less", AcceptanceCriterionMax)
		}
	}
	return nil
}

// SetDefaults applies defaults for fields omitted on create or import.
func (w *WorkItem) SetDefaults() {
	if w.Status == "" {
		w.Status = StatusNotStarted
	}
	if w.Priority == "" {
		w.Priority = PriorityMedium
	}
}

// ItemType categorizes the kind of work.
type ItemType string

// Work item type constants, ordered root-most first.
const (
	TypeInitiative ItemType = "initiative"
	TypeEpic       ItemType = "epic"
	TypeFeature    ItemType = "feature"
	TypeStory      ItemType = "story"
	TypeTask       ItemType = "task"
)

// IsValid checks if the item type value is valid.
func (t ItemType) IsValid() bool {
	switch t {
	case TypeInitiative, TypeEpic, TypeFeature, TypeStory, TypeTask:
		return true
	}
	return false
}

// Status represents the current state of a work item.
type Status string

// Status constants.
const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsValid checks if the status value is valid. Empty is treated as valid
// so callers can distinguish "unset" before SetDefaults runs.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted, StatusCancelled, "":
		return true
	}
	return false
}

// Terminal reports whether the status ends the item's active life.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority of a work item.
type Priority string

// Priority constants.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks if the priority value is valid.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, "":
		return true
	}
	return false
}

// ExecutionRecord is the advisory execution state tracked by
// execute_work_item. No code is ever executed; this is bookkeeping only.
type ExecutionRecord struct {
	State     ExecutionState `json:"state"`
	Mode      string         `json:"mode,omitempty"` // sequential|parallel|dependency
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// ExecutionState for the advisory execution record.
type ExecutionState string

// Execution state constants.
const (
	ExecPending   ExecutionState = "pending"
	ExecRunning   ExecutionState = "running"
	ExecDone      ExecutionState = "done"
	ExecCancelled ExecutionState = "cancelled"
)

// ArchitectureItem is a reusable design/context memory addressable by slug.
type ArchitectureItem struct {
	ID            string    `json:"id"`
	Namespace     string    `json:"namespace"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	Requirements  string    `json:"ai_requirements,omitempty"`
	WhenToUse     []string  `json:"ai_when_to_use,omitempty"`
	Keywords      []string  `json:"keywords,omitempty"`
	ChildrenSlugs []string  `json:"children_slugs,omitempty"`
	RelatedSlugs  []string  `json:"related_slugs,omitempty"`
	LinkedEpicIDs []string  `json:"linked_epic_ids,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SearchText is the text indexed for keyword and semantic search.
func (a *ArchitectureItem) SearchText() string {
	text := a.Title
	if a.Requirements != "" {
		text += " " + a.Requirements
	}
	return text
}

// Validate checks field values and limits.
func (a *ArchitectureItem) Validate() error {
	if err := validateSlug(a.Slug); err != nil {
		return err
	}
	if len(a.Title) == 0 {
		return Validation("title is required")
	}
	if len(a.Requirements) > DescriptionMaxLen {
		return Validation("ai_requirements must be %d characters or less", DescriptionMaxLen)
	}
	if len(a.WhenToUse) > WhenToUseMax {
		return Validation("at most %d ai_when_to_use entries allowed", WhenToUseMax)
	}
	if len(a.Keywords) > KeywordsMax {
		return Validation("at most %d keywords allowed", KeywordsMax)
	}
	if len(a.ChildrenSlugs) > ChildrenSlugsMax {
		return Validation("at most %d children_slugs allowed", ChildrenSlugsMax)
	}
	if len(a.RelatedSlugs) > RelatedSlugsMax {
		return Validation("at most %d related_slugs allowed", RelatedSlugsMax)
	}
	if len(a.LinkedEpicIDs) > LinkedEpicsMax {
		return Validation("at most %d linked_epic_ids allowed", LinkedEpicsMax)
	}
	return nil
}

// TroubleshootItem is a reusable problem/solution memory with usage stats.
type TroubleshootItem struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Slug         string    `json:"slug"`
	Title        string    `json:"title"`
	Solutions    string    `json:"ai_solutions,omitempty"`
	UseCases     []string  `json:"ai_use_case,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	UsageCount   int       `json:"usage_count"`
	SuccessCount int       `json:"success_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SearchText indexes use cases and solutions for matching.
func (t *TroubleshootItem) SearchText() string {
	text := t.Title
	for _, uc := range t.UseCases {
		text += " " + uc
	}
	if t.Solutions != "" {
		text += " " + t.Solutions
	}
	return text
}

// SuccessRate is success_count / max(usage_count, 1).
func (t *TroubleshootItem) SuccessRate() float64 {
	n := t.UsageCount
	if n < 1 {
		n = 1
	}
	return float64(t.SuccessCount) / float64(n)
}

// Validate checks field values and limits.
func (t *TroubleshootItem) Validate() error {
	if err := validateSlug(t.Slug); err != nil {
		return err
	}
	if len(t.Title) == 0 {
		return Validation("title is required")
	}
	if len(t.Solutions) > DescriptionMaxLen {
		return Validation("ai_solutions must be %d characters or less", DescriptionMaxLen)
	}
	if len(t.UseCases) > UseCasesMax {
		return Validation("at most %d ai_use_case entries allowed", UseCasesMax)
	}
	if len(t.Keywords) > KeywordsMax {
		return Validation("at most %d keywords allowed", KeywordsMax)
	}
	if t.UsageCount < 0 || t.SuccessCount < 0 || t.SuccessCount > t.UsageCount {
		return Validation("usage counters out of range")
	}
	return nil
}

func validateSlug(slug string) error {
	if len(slug) == 0 {
		return Validation("slug is required")
	}
	if len(slug) > SlugMaxLen {
		return Validation("slug must be %d characters or less (got %d)", SlugMaxLen, len(slug))
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return Validation("slug may only contain [a-z0-9_-]: %q", slug)
		}
	}
	return nil
}

// ClientInfo identifies the connecting client, as presented at handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ItemFilter narrows work-item queries. Nil pointer fields match anything.
type ItemFilter struct {
	Status   *Status   `json:"status,omitempty"`
	Type     *ItemType `json:"type,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
	ParentID *string   `json:"parent_id,omitempty"` // empty string matches roots
	Tags     []string  `json:"tags,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Matches reports whether the item satisfies every set field of the filter.
func (f *ItemFilter) Matches(w *WorkItem) bool {
	if f == nil {
		return true
	}
	if f.Status != nil && w.Status != *f.Status {
		return false
	}
	if f.Type != nil && w.Type != *f.Type {
		return false
	}
	if f.Priority != nil && w.Priority != *f.Priority {
		return false
	}
	if f.ParentID != nil && w.ParentID != *f.ParentID {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range w.ContextTags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Statistics provides aggregate metrics for a namespace.
type Statistics struct {
	TotalItems      int              `json:"total_items"`
	ByStatus        map[Status]int   `json:"by_status"`
	ByType          map[ItemType]int `json:"by_type"`
	BlockedItems    []string         `json:"blocked_items,omitempty"`
	OverallProgress float64          `json:"overall_progress"`
}
