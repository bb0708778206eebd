package canvas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"
)

// Physiological and plan bounds enforced on set payloads.
const (
	MinReps              = 0
	MaxReps              = 100
	MinRIR               = 0
	MaxRIR               = 10
	MinWeightKg          = 0.0
	MaxWeightKg          = 1000.0
	MaxDeltaKg           = 250.0
	maxInstructionLength = 4000
)

// Action is one client intent submitted to the reducer.
type Action struct {
	Type           ActionType
	IdempotencyKey IdempotencyKey
	Payload        json.RawMessage
	CardID         CardID
}

// ActionConfig describes the raw inputs required to build an Action.
type ActionConfig struct {
	Type           string
	IdempotencyKey string
	Payload        json.RawMessage
	CardID         string
}

// NewAction validates the envelope fields. Payload shape is validated by the reducer
// after the version and phase checks.
func NewAction(cfg ActionConfig) (Action, error) {
	actionType, err := ParseActionType(cfg.Type)
	if err != nil {
		return Action{}, validationCause("invalid action type", err)
	}
	key, err := NewIdempotencyKey(cfg.IdempotencyKey)
	if err != nil {
		return Action{}, validationCause("invalid idempotency key", err)
	}
	action := Action{Type: actionType, IdempotencyKey: key}
	if strings.TrimSpace(cfg.CardID) != "" {
		cardID, err := NewCardID(cfg.CardID)
		if err != nil {
			return Action{}, validationCause("invalid card id", err)
		}
		action.CardID = cardID
	}
	if payload := bytes.TrimSpace(cfg.Payload); len(payload) > 0 && string(payload) != "null" {
		action.Payload = append(json.RawMessage(nil), payload...)
	}
	return action, nil
}

// requestHash fingerprints the request so a reused key with a different intent is detected.
// Payloads that are not valid JSON are hashed as raw bytes; the reducer rejects them later.
func (action Action) requestHash() string {
	canonicalPayload := "null"
	if len(action.Payload) > 0 {
		canonicalPayload = "raw:" + string(action.Payload)
		var decoded any
		if err := json.Unmarshal(action.Payload, &decoded); err == nil {
			if encoded, err := json.Marshal(decoded); err == nil {
				canonicalPayload = string(encoded)
			}
		}
	}
	return hashParts(string(action.Type), action.CardID.String(), canonicalPayload)
}

func hashParts(parts ...string) string {
	digest := sha256.New()
	for _, part := range parts {
		digest.Write([]byte(part))
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil))
}

type instructionPayload struct {
	Text string `json:"text"`
}

type groupPayload struct {
	GroupID string `json:"group_id"`
}

type swapPayload struct {
	ExerciseID            string `json:"exercise_id"`
	ReplacementExerciseID string `json:"replacement_exercise_id"`
	ReplacementName       string `json:"replacement_name,omitempty"`
}

type adjustLoadPayload struct {
	ExerciseID string   `json:"exercise_id"`
	SetIndex   *int     `json:"set_index"`
	DeltaKg    *float64 `json:"delta_kg"`
}

type reorderSetsPayload struct {
	ExerciseID string `json:"exercise_id"`
	Order      []int  `json:"order"`
}

type setValuesPayload struct {
	ExerciseID string   `json:"exercise_id"`
	SetIndex   *int     `json:"set_index"`
	Reps       *int     `json:"reps"`
	RIR        *int     `json:"rir"`
	Weight     *float64 `json:"weight"`
}

func decodePayload(action Action, target any) *Error {
	if len(action.Payload) == 0 {
		return validationError("%s requires a payload", action.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(action.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return validationCause("malformed payload", err)
	}
	return nil
}

func (payload instructionPayload) validate() *Error {
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return validationError("instruction text is required")
	}
	if utf8.RuneCountInString(text) > maxInstructionLength {
		return validationError("instruction text exceeds %d characters", maxInstructionLength)
	}
	return nil
}

func (payload swapPayload) validate() *Error {
	if strings.TrimSpace(payload.ExerciseID) == "" {
		return validationError("exercise_id is required")
	}
	if strings.TrimSpace(payload.ReplacementExerciseID) == "" {
		return validationError("replacement_exercise_id is required")
	}
	if strings.TrimSpace(payload.ExerciseID) == strings.TrimSpace(payload.ReplacementExerciseID) {
		return validationError("replacement_exercise_id must differ from exercise_id")
	}
	return nil
}

func (payload adjustLoadPayload) validate() *Error {
	if strings.TrimSpace(payload.ExerciseID) == "" {
		return validationError("exercise_id is required")
	}
	if payload.SetIndex == nil || *payload.SetIndex < 0 {
		return validationError("set_index must be a non-negative integer")
	}
	if payload.DeltaKg == nil || *payload.DeltaKg == 0 || math.IsNaN(*payload.DeltaKg) {
		return validationError("delta_kg must be a non-zero number")
	}
	if math.Abs(*payload.DeltaKg) > MaxDeltaKg {
		return validationError("delta_kg must be within ±%.0f", MaxDeltaKg)
	}
	return nil
}

func (payload reorderSetsPayload) validate() *Error {
	if strings.TrimSpace(payload.ExerciseID) == "" {
		return validationError("exercise_id is required")
	}
	if len(payload.Order) == 0 {
		return validationError("order must list every set index")
	}
	seen := make(map[int]struct{}, len(payload.Order))
	for _, index := range payload.Order {
		if index < 0 || index >= len(payload.Order) {
			return validationError("order index %d out of range", index)
		}
		if _, dup := seen[index]; dup {
			return validationError("order index %d repeated", index)
		}
		seen[index] = struct{}{}
	}
	return nil
}

func (payload setValuesPayload) validate() *Error {
	if strings.TrimSpace(payload.ExerciseID) == "" {
		return validationError("exercise_id is required")
	}
	if payload.SetIndex == nil || *payload.SetIndex < 0 {
		return validationError("set_index must be a non-negative integer")
	}
	if payload.Reps == nil || *payload.Reps < MinReps || *payload.Reps > MaxReps {
		return validationError("reps must be between %d and %d", MinReps, MaxReps)
	}
	if payload.RIR == nil || *payload.RIR < MinRIR || *payload.RIR > MaxRIR {
		return validationError("rir must be between %d and %d", MinRIR, MaxRIR)
	}
	if payload.Weight == nil || math.IsNaN(*payload.Weight) || *payload.Weight < MinWeightKg || *payload.Weight > MaxWeightKg {
		return validationError("weight must be between %.0f and %.0f kg", MinWeightKg, MaxWeightKg)
	}
	return nil
}

func (payload setValuesPayload) values() SetValues {
	return SetValues{Reps: *payload.Reps, RIR: *payload.RIR, Weight: *payload.Weight}
}
