// Package model defines the domain entities shared by every component of the
// squawk coordination runtime: missions, sorties, locks, events, checkpoints,
// specialists, mailboxes, messages, and conflicts.
//
// All entities are plain JSON-serializable structs. Persistence lives in the
// store package; this package carries only the shapes, the status enums, and
// the invariant helpers that are cheap enough to enforce at construction time.
package model

import (
	"time"
)

// Strategy determines how the planner is prompted to decompose a task.
type Strategy string

const (
	StrategyFileBased     Strategy = "file-based"
	StrategyFeatureBased  Strategy = "feature-based"
	StrategyRiskBased     Strategy = "risk-based"
	StrategyResearchBased Strategy = "research-based"
)

// Strategies lists all strategies in tie-break order: when two strategies
// score equally, the earlier one wins.
var Strategies = []Strategy{
	StrategyFileBased,
	StrategyFeatureBased,
	StrategyRiskBased,
	StrategyResearchBased,
}

// Priority orders work within and across missions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank returns a comparable rank for a priority (higher is more
// urgent). Unknown priorities rank lowest.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Complexity is the planner's estimate of how involved a sortie is.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ValidComplexity reports whether c is one of the three allowed values.
func ValidComplexity(c Complexity) bool {
	return c == ComplexityLow || c == ComplexityMedium || c == ComplexityHigh
}

// MissionStatus is the lifecycle state of a mission. Transitions are
// monotone (pending → in_progress → review → completed) except cancelled,
// which is terminal from any non-completed state.
type MissionStatus string

const (
	MissionPending    MissionStatus = "pending"
	MissionInProgress MissionStatus = "in_progress"
	MissionReview     MissionStatus = "review"
	MissionCompleted  MissionStatus = "completed"
	MissionCancelled  MissionStatus = "cancelled"
)

// Mission is a user-supplied goal, the parent of all derived work.
type Mission struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Strategy         Strategy       `json:"strategy"`
	Status           MissionStatus  `json:"status"`
	Priority         Priority       `json:"priority"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	TotalSorties     int            `json:"total_sorties"`
	CompletedSorties int            `json:"completed_sorties"`
	Result           string         `json:"result,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SortieStatus is the lifecycle state of a sortie.
type SortieStatus string

const (
	SortiePending    SortieStatus = "pending"
	SortieAssigned   SortieStatus = "assigned"
	SortieInProgress SortieStatus = "in_progress"
	SortieBlocked    SortieStatus = "blocked"
	SortieReview     SortieStatus = "review"
	SortieCompleted  SortieStatus = "completed"
	SortieFailed     SortieStatus = "failed"
	SortieCancelled  SortieStatus = "cancelled"
)

// Terminal reports whether s is an end state. Progress on a sortie is only
// allowed to decrease (reset) after it reaches a terminal state.
func (s SortieStatus) Terminal() bool {
	return s == SortieCompleted || s == SortieFailed || s == SortieCancelled
}

// Sortie is an atomic unit of work within a mission, executable by one
// specialist.
type Sortie struct {
	ID             string         `json:"id"`
	MissionID      string         `json:"mission_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Status         SortieStatus   `json:"status"`
	Priority       Priority       `json:"priority"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Files          []string       `json:"files"`
	Dependencies   []string       `json:"dependencies"`
	Progress       int            `json:"progress"`
	ProgressNotes  string         `json:"progress_notes,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	BlockedBy      string         `json:"blocked_by,omitempty"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
	Result         string         `json:"result,omitempty"`
	Complexity     Complexity     `json:"complexity"`
	EstimatedHours float64        `json:"estimated_effort_hours"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HasFile reports whether the sortie's scope includes the given path.
func (s *Sortie) HasFile(path string) bool {
	for _, f := range s.Files {
		if f == path {
			return true
		}
	}
	return false
}

// DependsOn reports whether id appears in the sortie's direct dependencies.
func (s *Sortie) DependsOn(id string) bool {
	for _, d := range s.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// Dependency is a decomposition edge with a natural-language reason.
type Dependency struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Parallelization summarizes how much of a sortie tree can run concurrently.
type Parallelization struct {
	ParallelGroups      [][]string `json:"parallel_groups"`
	CriticalPath        []string   `json:"critical_path"`
	EstimatedDurationMS int64      `json:"estimated_duration_ms"`
	Potential           float64    `json:"parallelization_potential"`
	EstimatedSpeedup    float64    `json:"estimated_speedup"`
}

// SortieTree is the full decomposition output: mission + sorties +
// dependency edges + parallelization analysis. Immutable once validated.
type SortieTree struct {
	Mission         Mission         `json:"mission"`
	Sorties         []Sortie        `json:"sorties"`
	Dependencies    []Dependency    `json:"dependencies"`
	Parallelization Parallelization `json:"parallelization"`
}

// SortieByID returns the sortie with the given id, or nil.
func (t *SortieTree) SortieByID(id string) *Sortie {
	for i := range t.Sorties {
		if t.Sorties[i].ID == id {
			return &t.Sorties[i]
		}
	}
	return nil
}

// LockPurpose tags the intent behind a file reservation.
type LockPurpose string

const (
	PurposeEdit   LockPurpose = "edit"
	PurposeRead   LockPurpose = "read"
	PurposeDelete LockPurpose = "delete"
)

// LockStatus is the lifecycle state of a lock. Active is the only
// non-terminal state.
type LockStatus string

const (
	LockActive        LockStatus = "active"
	LockReleased      LockStatus = "released"
	LockExpired       LockStatus = "expired"
	LockForceReleased LockStatus = "force_released"
)

// Lock is a timed advisory reservation of a file by a specialist.
type Lock struct {
	ID             string         `json:"id"`
	File           string         `json:"file"`
	NormalizedPath string         `json:"normalized_path"`
	ReservedBy     string         `json:"reserved_by"`
	Purpose        LockPurpose    `json:"purpose"`
	ReservedAt     time.Time      `json:"reserved_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ReleasedAt     *time.Time     `json:"released_at,omitempty"`
	Checksum       string         `json:"checksum,omitempty"`
	Status         LockStatus     `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ActiveAt reports whether the lock excludes other holders at time now.
func (l *Lock) ActiveAt(now time.Time) bool {
	return l.Status == LockActive && l.ExpiresAt.After(now)
}

// StreamType partitions the event log.
type StreamType string

const (
	StreamSpecialist StreamType = "specialist"
	StreamSquawk     StreamType = "squawk"
	StreamCTK        StreamType = "ctk"
	StreamSortie     StreamType = "sortie"
	StreamMission    StreamType = "mission"
	StreamCheckpoint StreamType = "checkpoint"
	StreamFleet      StreamType = "fleet"
	StreamSystem     StreamType = "system"
)

// Event is one record of the append-only log. Within a (stream_type,
// stream_id) pair, sequence numbers form a gapless ascending sequence
// starting at 1.
type Event struct {
	SequenceNumber int64          `json:"sequence_number"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	StreamType     StreamType     `json:"stream_type"`
	StreamID       string         `json:"stream_id"`
	Data           map[string]any `json:"data,omitempty"`
	CausationID    string         `json:"causation_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	RecordedAt     time.Time      `json:"recorded_at"`
	SchemaVersion  int            `json:"schema_version"`
}

// Cursor records a consumer's position in a stream. Position only moves
// forward.
type Cursor struct {
	ID         string     `json:"id"`
	StreamType StreamType `json:"stream_type"`
	StreamID   string     `json:"stream_id"`
	Position   int64      `json:"position"`
	ConsumerID string     `json:"consumer_id,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CheckpointTrigger records why a checkpoint was taken.
type CheckpointTrigger string

const (
	TriggerProgress   CheckpointTrigger = "progress"
	TriggerError      CheckpointTrigger = "error"
	TriggerManual     CheckpointTrigger = "manual"
	TriggerCompaction CheckpointTrigger = "compaction"
)

// RecoveryContext is the narrative half of a checkpoint: what the mission
// was doing and what should happen next.
type RecoveryContext struct {
	LastAction     string    `json:"last_action"`
	NextSteps      []string  `json:"next_steps"`
	Blockers       []string  `json:"blockers,omitempty"`
	FilesModified  []string  `json:"files_modified,omitempty"`
	MissionSummary string    `json:"mission_summary"`
	ElapsedTimeMS  int64     `json:"elapsed_time_ms"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Checkpoint is a durable snapshot of a mission's live state sufficient to
// reconstruct it.
type Checkpoint struct {
	ID              string            `json:"id"`
	MissionID       string            `json:"mission_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Trigger         CheckpointTrigger `json:"trigger"`
	TriggerDetails  string            `json:"trigger_details,omitempty"`
	ProgressPercent float64           `json:"progress_percent"`
	Sorties         []Sortie          `json:"sorties"`
	ActiveLocks     []Lock            `json:"active_locks"`
	PendingMessages []Message         `json:"pending_messages"`
	RecoveryContext RecoveryContext   `json:"recovery_context"`
	CreatedBy       string            `json:"created_by"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	ConsumedAt      *time.Time        `json:"consumed_at,omitempty"`
	Version         int               `json:"version"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// SpecialistStatus is the registry's view of a worker.
type SpecialistStatus string

const (
	SpecialistActive    SpecialistStatus = "active"
	SpecialistBusy      SpecialistStatus = "busy"
	SpecialistIdle      SpecialistStatus = "idle"
	SpecialistInactive  SpecialistStatus = "inactive"
	SpecialistCompleted SpecialistStatus = "completed"
)

// Specialist is an autonomous worker process. A specialist whose last_seen
// is older than the heartbeat timeout is treated as inactive for scheduling
// even if its stored status has not yet been updated.
type Specialist struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        SpecialistStatus `json:"status"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	RegisteredAt  time.Time        `json:"registered_at"`
	LastSeen      time.Time        `json:"last_seen"`
	CurrentSortie string           `json:"current_sortie,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Mailbox is a per-specialist addressable queue for inbound messages.
type Mailbox struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStatus tracks delivery of a mailbox message. Once acked, a message
// is not redelivered.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageRead    MessageStatus = "read"
	MessageAcked   MessageStatus = "acked"
)

// Message is one entry in a mailbox.
type Message struct {
	ID          string        `json:"id"`
	MailboxID   string        `json:"mailbox_id"`
	SenderID    string        `json:"sender_id,omitempty"`
	ThreadID    string        `json:"thread_id,omitempty"`
	MessageType string        `json:"message_type"`
	Content     string        `json:"content"`
	Priority    Priority      `json:"priority"`
	Status      MessageStatus `json:"status"`
	SentAt      time.Time     `json:"sent_at"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	AckedAt     *time.Time    `json:"acked_at,omitempty"`
}

// ConflictType classifies what two specialists are clashing over.
type ConflictType string

const (
	ConflictResource ConflictType = "resource"
	ConflictTask     ConflictType = "task"
	ConflictData     ConflictType = "data"
)

// Severity grades conflicts and recovery risks.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank returns a comparable rank (higher is worse).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Conflict is a detected clash between two or more specialists. Once
// resolved it is never reopened.
type Conflict struct {
	ID                string         `json:"id"`
	Type              ConflictType   `json:"type"`
	Agents            []string       `json:"agents"`
	Description       string         `json:"description"`
	Severity          Severity       `json:"severity"`
	DetectedAt        time.Time      `json:"detectedAt"`
	ResolvedAt        *time.Time     `json:"resolvedAt,omitempty"`
	Resolution        string         `json:"resolution,omitempty"`
	ResolutionDetails []string       `json:"resolutionDetails,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}
