package canvas

import (
	"encoding/json"
	"math"
	"strings"
)

// Set statuses inside a session plan.
const (
	SetStatusPlanned = "planned"
	SetStatusDone    = "done"
)

// SetValues are the reps/rir/weight triple used for both targets and actuals.
type SetValues struct {
	Reps   int     `json:"reps"`
	RIR    int     `json:"rir"`
	Weight float64 `json:"weight"`
}

// PlanSet is one set of an exercise.
type PlanSet struct {
	Target SetValues  `json:"target"`
	Actual *SetValues `json:"actual"`
	Status string     `json:"status"`
}

// PlanExercise is one exercise of a session plan.
type PlanExercise struct {
	ExerciseID string    `json:"exercise_id"`
	Name       string    `json:"name,omitempty"`
	Sets       []PlanSet `json:"sets"`
}

// sessionPlan is the content of a session_plan card. Top-level fields other than
// exercises are carried through untouched.
type sessionPlan struct {
	Exercises []PlanExercise
	rest      map[string]json.RawMessage
}

func decodeSessionPlan(content json.RawMessage) (*sessionPlan, *Error) {
	fields := map[string]json.RawMessage{}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &fields); err != nil {
			return nil, validationCause("session plan content is not an object", err)
		}
	}
	plan := &sessionPlan{rest: fields}
	if raw, ok := fields["exercises"]; ok {
		if err := json.Unmarshal(raw, &plan.Exercises); err != nil {
			return nil, validationCause("session plan exercises are malformed", err)
		}
		delete(fields, "exercises")
	}
	return plan, nil
}

func (plan *sessionPlan) encode() (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(plan.rest)+1)
	for key, value := range plan.rest {
		fields[key] = value
	}
	exercises := plan.Exercises
	if exercises == nil {
		exercises = []PlanExercise{}
	}
	encoded, err := json.Marshal(exercises)
	if err != nil {
		return nil, err
	}
	fields["exercises"] = encoded
	return json.Marshal(fields)
}

func (plan *sessionPlan) exercise(exerciseID string) (*PlanExercise, *Error) {
	exerciseID = strings.TrimSpace(exerciseID)
	for index := range plan.Exercises {
		if plan.Exercises[index].ExerciseID == exerciseID {
			return &plan.Exercises[index], nil
		}
	}
	return nil, notFound("exercise %q is not in the plan", exerciseID)
}

func (plan *sessionPlan) set(exerciseID string, setIndex int) (*PlanSet, *Error) {
	exercise, err := plan.exercise(exerciseID)
	if err != nil {
		return nil, err
	}
	if setIndex < 0 || setIndex >= len(exercise.Sets) {
		return nil, notFound("set %d of exercise %q does not exist", setIndex, exerciseID)
	}
	return &exercise.Sets[setIndex], nil
}

func (plan *sessionPlan) swap(payload swapPayload) *Error {
	exercise, err := plan.exercise(payload.ExerciseID)
	if err != nil {
		return err
	}
	replacement := strings.TrimSpace(payload.ReplacementExerciseID)
	if _, existsErr := plan.exercise(replacement); existsErr == nil {
		return validationError("exercise %q is already in the plan", replacement)
	}
	exercise.ExerciseID = replacement
	exercise.Name = strings.TrimSpace(payload.ReplacementName)
	return nil
}

func (plan *sessionPlan) adjustLoad(payload adjustLoadPayload) *Error {
	set, err := plan.set(payload.ExerciseID, *payload.SetIndex)
	if err != nil {
		return err
	}
	adjusted := math.Round((set.Target.Weight+*payload.DeltaKg)*100) / 100
	if adjusted < MinWeightKg || adjusted > MaxWeightKg {
		return validationError("adjusted weight %.2f kg is outside %.0f..%.0f kg", adjusted, MinWeightKg, MaxWeightKg)
	}
	set.Target.Weight = adjusted
	return nil
}

func (plan *sessionPlan) reorderSets(payload reorderSetsPayload) *Error {
	exercise, err := plan.exercise(payload.ExerciseID)
	if err != nil {
		return err
	}
	if len(payload.Order) != len(exercise.Sets) {
		return validationError("order has %d entries but exercise %q has %d sets", len(payload.Order), exercise.ExerciseID, len(exercise.Sets))
	}
	reordered := make([]PlanSet, len(exercise.Sets))
	for position, index := range payload.Order {
		reordered[position] = exercise.Sets[index]
	}
	exercise.Sets = reordered
	return nil
}

func (plan *sessionPlan) editSet(payload setValuesPayload) *Error {
	set, err := plan.set(payload.ExerciseID, *payload.SetIndex)
	if err != nil {
		return err
	}
	set.Target = payload.values()
	return nil
}

func (plan *sessionPlan) logSet(payload setValuesPayload) *Error {
	set, err := plan.set(payload.ExerciseID, *payload.SetIndex)
	if err != nil {
		return err
	}
	actual := payload.values()
	set.Actual = &actual
	set.Status = SetStatusDone
	return nil
}
