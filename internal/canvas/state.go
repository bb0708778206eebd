package canvas

import (
	"encoding/json"
	"sort"
)

// canvasState is the in-transaction working copy the reducer mutates.
type canvasState struct {
	canvasID     string
	phase        Phase
	phaseBefore  Phase
	purpose      string
	lanes        []string
	version      int64
	nextSequence int64
	cards        []*Card
	byID         map[string]*Card
	createdAt    map[string]int64

	before       map[string]Card
	touchedOrder []string
	instruction  string
	undone       *undoImage
}

// undoImage is what UNDO needs to revert one logged action.
type undoImage struct {
	PhaseBefore   Phase  `json:"phase_before"`
	CardsBefore   []Card `json:"cards_before"`
	InstructionID string `json:"instruction_id,omitempty"`
}

func newCanvasState(record CanvasRecord, cardRecords []CardRecord) (*canvasState, error) {
	var lanes []string
	if len(record.LanesJSON) > 0 {
		if err := json.Unmarshal(record.LanesJSON, &lanes); err != nil {
			return nil, err
		}
	}
	state := &canvasState{
		canvasID:     record.CanvasID,
		phase:        Phase(record.Phase),
		phaseBefore:  Phase(record.Phase),
		purpose:      record.Purpose,
		lanes:        lanes,
		version:      record.Version,
		nextSequence: record.NextSequence,
		cards:        make([]*Card, 0, len(cardRecords)),
		byID:         make(map[string]*Card, len(cardRecords)),
		createdAt:    make(map[string]int64, len(cardRecords)),
		before:       map[string]Card{},
	}
	for _, cardRecord := range cardRecords {
		card, err := cardFromRecord(cardRecord)
		if err != nil {
			return nil, err
		}
		state.cards = append(state.cards, &card)
		state.byID[card.ID] = &card
		state.createdAt[card.ID] = cardRecord.CreatedAtSeconds
	}
	sort.SliceStable(state.cards, func(i, j int) bool {
		return state.cards[i].Sequence < state.cards[j].Sequence
	})
	return state, nil
}

func (state *canvasState) hasLane(lane string) bool {
	for _, candidate := range state.lanes {
		if candidate == lane {
			return true
		}
	}
	return false
}

// touch captures the before-image of a card the first time it is modified.
func (state *canvasState) touch(card *Card) {
	if _, seen := state.before[card.ID]; seen {
		return
	}
	state.before[card.ID] = card.clone()
	state.touchedOrder = append(state.touchedOrder, card.ID)
}

func (state *canvasState) setStatus(card *Card, status CardStatus) {
	if card.Status == status {
		return
	}
	state.touch(card)
	card.Status = status
}

func (state *canvasState) addCard(card Card) *Card {
	card.Sequence = state.nextSequence
	state.nextSequence++
	stored := card
	state.cards = append(state.cards, &stored)
	state.byID[stored.ID] = &stored
	state.touchedOrder = append(state.touchedOrder, stored.ID)
	return &stored
}

func (state *canvasState) undoImage() undoImage {
	image := undoImage{PhaseBefore: state.phaseBefore}
	for _, cardID := range state.touchedOrder {
		if before, ok := state.before[cardID]; ok {
			image.CardsBefore = append(image.CardsBefore, before)
		}
	}
	return image
}

// upNext derives the up-next index: proposed cards by priority, then creation order.
func (state *canvasState) upNext(limit int) []UpNextRecord {
	if state.phase == PhaseCompleted {
		return nil
	}
	candidates := make([]*Card, 0, len(state.cards))
	for _, card := range state.cards {
		if card.Status == CardStatusProposed {
			candidates = append(candidates, card)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Sequence < candidates[j].Sequence
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	entries := make([]UpNextRecord, 0, len(candidates))
	for position, card := range candidates {
		entries = append(entries, UpNextRecord{
			CanvasID: state.canvasID,
			Position: position,
			CardID:   card.ID,
			Priority: card.Priority,
		})
	}
	return entries
}
