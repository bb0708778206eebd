package canvas

import (
	"encoding/json"
	"strings"
)

// reduce applies one action to the working state. The version check has already
// passed; reduce enforces phase legality, payload shape and the effect itself.
// pending is the most recent undoable log entry and is only consulted by UNDO.
func reduce(state *canvasState, action Action, pending *undoImage) *Error {
	if !action.Type.LegalIn(state.phase) {
		return illegalPhase(action.Type, state.phase)
	}
	if len(action.Payload) > 0 && !json.Valid(action.Payload) {
		return validationError("malformed payload")
	}
	switch action.Type {
	case ActionAddInstruction:
		var payload instructionPayload
		if err := decodePayload(action, &payload); err != nil {
			return err
		}
		if err := payload.validate(); err != nil {
			return err
		}
		state.instruction = strings.TrimSpace(payload.Text)
		return nil
	case ActionAcceptProposal:
		card, err := proposedCard(state, action)
		if err != nil {
			return err
		}
		acceptCard(state, card)
		return nil
	case ActionAcceptAll:
		return acceptGroup(state, action)
	case ActionRejectProposal:
		card, err := proposedCard(state, action)
		if err != nil {
			return err
		}
		state.setStatus(card, CardStatusRejected)
		return nil
	case ActionSwap:
		var payload swapPayload
		if err := decodeValidated(action, &payload); err != nil {
			return err
		}
		return mutatePlan(state, action, func(plan *sessionPlan) *Error { return plan.swap(payload) })
	case ActionAdjustLoad:
		var payload adjustLoadPayload
		if err := decodeValidated(action, &payload); err != nil {
			return err
		}
		return mutatePlan(state, action, func(plan *sessionPlan) *Error { return plan.adjustLoad(payload) })
	case ActionReorderSets:
		var payload reorderSetsPayload
		if err := decodeValidated(action, &payload); err != nil {
			return err
		}
		return mutatePlan(state, action, func(plan *sessionPlan) *Error { return plan.reorderSets(payload) })
	case ActionEditSet:
		var payload setValuesPayload
		if err := decodeValidated(action, &payload); err != nil {
			return err
		}
		return mutatePlan(state, action, func(plan *sessionPlan) *Error { return plan.editSet(payload) })
	case ActionLogSet:
		var payload setValuesPayload
		if err := decodeValidated(action, &payload); err != nil {
			return err
		}
		return mutatePlan(state, action, func(plan *sessionPlan) *Error { return plan.logSet(payload) })
	case ActionPause:
		state.phase = PhasePaused
		return nil
	case ActionResume:
		state.phase = PhaseActive
		return nil
	case ActionComplete:
		state.phase = PhaseCompleted
		for _, card := range state.cards {
			if card.Type == CardTypeSessionPlan && card.Status.Authoritative() {
				state.setStatus(card, CardStatusCompleted)
			}
		}
		return nil
	case ActionUndo:
		if pending == nil {
			return validationError("nothing to undo")
		}
		restore(state, *pending)
		return nil
	default:
		return validationError("unsupported action type %s", action.Type)
	}
}

type validatedPayload interface {
	validate() *Error
}

func decodeValidated(action Action, payload validatedPayload) *Error {
	if err := decodePayload(action, payload); err != nil {
		return err
	}
	return payload.validate()
}

func proposedCard(state *canvasState, action Action) (*Card, *Error) {
	if action.CardID == "" {
		return nil, validationError("%s requires card_id", action.Type)
	}
	card, ok := state.byID[action.CardID.String()]
	if !ok {
		return nil, notFound("card %s does not exist", action.CardID)
	}
	if card.Status != CardStatusProposed {
		return nil, validationError("card %s is %s; only proposed cards can be decided", card.ID, card.Status)
	}
	return card, nil
}

// acceptCard moves a proposal to accepted and runs the type-specific hooks.
func acceptCard(state *canvasState, card *Card) {
	state.setStatus(card, CardStatusAccepted)
	switch card.Type {
	case CardTypeSessionPlan:
		expireSiblings(state, card, func(other *Card) bool { return other.Type == CardTypeSessionPlan })
		if state.phase == PhasePlanning {
			startSession(state)
		}
	case CardTypeTarget:
		refKey := card.RefKey()
		if refKey == "" {
			return
		}
		expireSiblings(state, card, func(other *Card) bool {
			return other.Type == CardTypeTarget && other.RefKey() == refKey
		})
	}
}

// expireSiblings keeps card as the only authoritative card among those matching same.
func expireSiblings(state *canvasState, card *Card, same func(*Card) bool) {
	for _, other := range state.cards {
		if other.ID == card.ID || !other.Status.Authoritative() || !same(other) {
			continue
		}
		state.setStatus(other, CardStatusExpired)
	}
}

// startSession moves a planning canvas into the active phase and promotes accepted targets.
func startSession(state *canvasState) {
	state.phase = PhaseActive
	for _, card := range state.cards {
		if card.Type == CardTypeTarget && card.Status == CardStatusAccepted {
			state.setStatus(card, CardStatusActive)
		}
	}
}

func acceptGroup(state *canvasState, action Action) *Error {
	var payload groupPayload
	if err := decodePayload(action, &payload); err != nil {
		return err
	}
	groupID := strings.TrimSpace(payload.GroupID)
	if groupID == "" {
		return validationError("group_id is required")
	}
	members := 0
	var proposed []*Card
	for _, card := range state.cards {
		if card.GroupID != groupID {
			continue
		}
		members++
		if card.Status == CardStatusProposed {
			proposed = append(proposed, card)
		}
	}
	if members == 0 {
		return notFound("group %s has no cards", groupID)
	}
	if len(proposed) == 0 {
		return validationError("group %s has no pending proposals", groupID)
	}
	planning := state.phase == PhasePlanning
	// state.cards is in sequence order, so later proposals win ref-key conflicts.
	for _, card := range proposed {
		acceptCard(state, card)
	}
	// Targets accepted after the group's plan started the session are promoted too.
	if planning && state.phase == PhaseActive {
		startSession(state)
	}
	return nil
}

// workoutCard resolves the session plan a plan action edits: the explicit card_id, else
// the most recent live plan. EDIT_SET during planning may also edit a pending proposal.
func workoutCard(state *canvasState, action Action) (*Card, *Error) {
	if action.CardID != "" {
		card, ok := state.byID[action.CardID.String()]
		if !ok {
			return nil, notFound("card %s does not exist", action.CardID)
		}
		if card.Type != CardTypeSessionPlan {
			return nil, validationError("card %s is a %s, not a session plan", card.ID, card.Type)
		}
		if card.Status.Terminal() {
			return nil, validationError("card %s is %s and can no longer be edited", card.ID, card.Status)
		}
		if card.Status == CardStatusProposed && !(action.Type == ActionEditSet && state.phase == PhasePlanning) {
			return nil, validationError("card %s must be accepted before %s", card.ID, action.Type)
		}
		return card, nil
	}
	if card := latestPlan(state, func(status CardStatus) bool { return status.Authoritative() }); card != nil {
		return card, nil
	}
	if action.Type == ActionEditSet && state.phase == PhasePlanning {
		if card := latestPlan(state, func(status CardStatus) bool { return status == CardStatusProposed }); card != nil {
			return card, nil
		}
	}
	return nil, notFound("no session plan to apply %s to", action.Type)
}

func latestPlan(state *canvasState, match func(CardStatus) bool) *Card {
	for index := len(state.cards) - 1; index >= 0; index-- {
		card := state.cards[index]
		if card.Type == CardTypeSessionPlan && match(card.Status) {
			return card
		}
	}
	return nil
}

func mutatePlan(state *canvasState, action Action, mutate func(*sessionPlan) *Error) *Error {
	card, err := workoutCard(state, action)
	if err != nil {
		return err
	}
	plan, err := decodeSessionPlan(card.Content)
	if err != nil {
		return err
	}
	if err := mutate(plan); err != nil {
		return err
	}
	content, encodeErr := plan.encode()
	if encodeErr != nil {
		return internalError("reduce", "encode_plan", encodeErr)
	}
	state.touch(card)
	card.Content = content
	return nil
}

// restore reverts the card before-images and phase captured by an earlier action.
func restore(state *canvasState, image undoImage) {
	for _, before := range image.CardsBefore {
		card, ok := state.byID[before.ID]
		if !ok {
			continue
		}
		state.touch(card)
		restored := before.clone()
		restored.Sequence = card.Sequence
		restored.CreatedVersion = card.CreatedVersion
		*card = restored
	}
	if image.PhaseBefore != "" {
		state.phase = image.PhaseBefore
	}
	state.undone = &image
}
