package canvas

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCanvasID indicates that a canvas identifier is empty or exceeds storage bounds.
	ErrInvalidCanvasID = errors.New("canvas: invalid canvas id")
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("canvas: invalid card id")
	// ErrInvalidIdempotencyKey indicates that an idempotency key is empty or exceeds storage bounds.
	ErrInvalidIdempotencyKey = errors.New("canvas: invalid idempotency key")
	// ErrInvalidActionType indicates an unknown action type.
	ErrInvalidActionType = errors.New("canvas: invalid action type")
	// ErrInvalidLane indicates a lane identifier that is empty or duplicated.
	ErrInvalidLane = errors.New("canvas: invalid lane")
)

// CanvasID represents a validated canvas identifier.
type CanvasID string

// NewCanvasID validates raw input and returns a CanvasID.
func NewCanvasID(rawInput string) (CanvasID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCanvasID)
	if err != nil {
		return "", err
	}
	return CanvasID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CanvasID) String() string {
	return string(id)
}

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCardID)
	if err != nil {
		return "", err
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// IdempotencyKey is a caller-generated token stable across retries of one logical intent.
type IdempotencyKey string

// NewIdempotencyKey validates raw input and returns an IdempotencyKey.
func NewIdempotencyKey(rawInput string) (IdempotencyKey, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidIdempotencyKey)
	if err != nil {
		return "", err
	}
	return IdempotencyKey(trimmed), nil
}

// String returns the underlying key.
func (key IdempotencyKey) String() string {
	return string(key)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Phase governs which action types are legal on a canvas.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseActive    Phase = "active"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

// CardStatus enumerates the card lifecycle.
type CardStatus string

const (
	CardStatusProposed  CardStatus = "proposed"
	CardStatusActive    CardStatus = "active"
	CardStatusAccepted  CardStatus = "accepted"
	CardStatusRejected  CardStatus = "rejected"
	CardStatusExpired   CardStatus = "expired"
	CardStatusCompleted CardStatus = "completed"
)

// Authoritative reports whether the status counts as the live card for its ref-key.
func (status CardStatus) Authoritative() bool {
	return status == CardStatusAccepted || status == CardStatusActive
}

// Terminal reports whether no further transition is possible.
func (status CardStatus) Terminal() bool {
	switch status {
	case CardStatusRejected, CardStatusExpired, CardStatusCompleted:
		return true
	default:
		return false
	}
}

// Card types the reducer has invariant hooks for. Every other type is opaque.
const (
	CardTypeSessionPlan = "session_plan"
	CardTypeTarget      = "target"
)

// ActionType selects the reducer effect.
type ActionType string

const (
	ActionAddInstruction ActionType = "ADD_INSTRUCTION"
	ActionAcceptProposal ActionType = "ACCEPT_PROPOSAL"
	ActionAcceptAll      ActionType = "ACCEPT_ALL"
	ActionRejectProposal ActionType = "REJECT_PROPOSAL"
	ActionSwap           ActionType = "SWAP"
	ActionAdjustLoad     ActionType = "ADJUST_LOAD"
	ActionReorderSets    ActionType = "REORDER_SETS"
	ActionEditSet        ActionType = "EDIT_SET"
	ActionLogSet         ActionType = "LOG_SET"
	ActionPause          ActionType = "PAUSE"
	ActionResume         ActionType = "RESUME"
	ActionComplete       ActionType = "COMPLETE"
	ActionUndo           ActionType = "UNDO"
)

var legalPhases = map[ActionType][]Phase{
	ActionAddInstruction: {PhasePlanning, PhaseActive},
	ActionAcceptProposal: {PhasePlanning, PhaseActive},
	ActionAcceptAll:      {PhasePlanning, PhaseActive},
	ActionRejectProposal: {PhasePlanning, PhaseActive},
	ActionSwap:           {PhaseActive},
	ActionAdjustLoad:     {PhaseActive},
	ActionReorderSets:    {PhaseActive},
	ActionEditSet:        {PhasePlanning, PhaseActive},
	ActionLogSet:         {PhaseActive},
	ActionPause:          {PhaseActive},
	ActionResume:         {PhasePaused},
	ActionComplete:       {PhaseActive, PhasePaused},
	ActionUndo:           {PhasePlanning, PhaseActive, PhasePaused},
}

// ParseActionType validates a raw action type.
func ParseActionType(rawInput string) (ActionType, error) {
	candidate := ActionType(strings.ToUpper(strings.TrimSpace(rawInput)))
	if _, ok := legalPhases[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidActionType, rawInput)
	}
	return candidate, nil
}

// LegalIn reports whether the action may be applied while the canvas is in phase.
func (actionType ActionType) LegalIn(phase Phase) bool {
	for _, allowed := range legalPhases[actionType] {
		if allowed == phase {
			return true
		}
	}
	return false
}

// ActionTypes lists every known action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionAddInstruction, ActionAcceptProposal, ActionAcceptAll, ActionRejectProposal,
		ActionSwap, ActionAdjustLoad, ActionReorderSets, ActionEditSet, ActionLogSet,
		ActionPause, ActionResume, ActionComplete, ActionUndo,
	}
}

// NormalizeLanes trims lane identifiers and rejects empty or duplicate entries.
func NormalizeLanes(rawLanes []string) ([]string, error) {
	if len(rawLanes) == 0 {
		return nil, fmt.Errorf("%w: at least one lane is required", ErrInvalidLane)
	}
	seen := make(map[string]struct{}, len(rawLanes))
	lanes := make([]string, 0, len(rawLanes))
	for _, raw := range rawLanes {
		lane, err := validateIdentifier(raw, ErrInvalidLane)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[lane]; dup {
			return nil, fmt.Errorf("%w: duplicate lane %q", ErrInvalidLane, lane)
		}
		seen[lane] = struct{}{}
		lanes = append(lanes, lane)
	}
	return lanes, nil
}
