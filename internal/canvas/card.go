package canvas

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Refs links a card to a target entity, e.g. {"exercise_id": "e1", "set_index": 0}.
type Refs map[string]any

// Key returns the canonical ref-key used by the single active target invariant: the
// refs encoded as JSON with sorted keys, so value types stay distinct.
func (refs Refs) Key() string {
	if len(refs) == 0 {
		return ""
	}
	encoded, err := json.Marshal(map[string]any(refs))
	if err != nil {
		return fmt.Sprint(map[string]any(refs))
	}
	return string(encoded)
}

// Card is the domain view of a stored card.
type Card struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Lane           string          `json:"lane"`
	Status         CardStatus      `json:"status"`
	Refs           Refs            `json:"refs,omitempty"`
	Content        json.RawMessage `json:"content"`
	GroupID        string          `json:"group_id,omitempty"`
	Priority       int             `json:"priority"`
	Sequence       int64           `json:"sequence"`
	CreatedVersion int64           `json:"created_version"`
	UpdatedVersion int64           `json:"updated_version"`
}

// RefKey returns the canonical ref-key of the card.
func (card Card) RefKey() string {
	return card.Refs.Key()
}

func (card Card) clone() Card {
	copied := card
	if card.Refs != nil {
		copied.Refs = make(Refs, len(card.Refs))
		for key, value := range card.Refs {
			copied.Refs[key] = value
		}
	}
	if card.Content != nil {
		copied.Content = append(json.RawMessage(nil), card.Content...)
	}
	return copied
}

func cardFromRecord(record CardRecord) (Card, error) {
	card := Card{
		ID:             record.CardID,
		Type:           record.Type,
		Lane:           record.Lane,
		Status:         CardStatus(record.Status),
		Content:        json.RawMessage(record.ContentJSON),
		GroupID:        record.GroupID,
		Priority:       record.Priority,
		Sequence:       record.Sequence,
		CreatedVersion: record.CreatedVersion,
		UpdatedVersion: record.UpdatedVersion,
	}
	if len(record.RefsJSON) > 0 && string(record.RefsJSON) != "null" {
		var refs Refs
		if err := json.Unmarshal(record.RefsJSON, &refs); err != nil {
			return Card{}, fmt.Errorf("decode refs of card %s: %w", record.CardID, err)
		}
		card.Refs = refs
	}
	return card, nil
}

func (card Card) toRecord(canvasID string, createdAtSeconds, updatedAtSeconds int64) (CardRecord, error) {
	var refsJSON datatypes.JSON
	if len(card.Refs) > 0 {
		encoded, err := json.Marshal(card.Refs)
		if err != nil {
			return CardRecord{}, fmt.Errorf("encode refs of card %s: %w", card.ID, err)
		}
		refsJSON = datatypes.JSON(encoded)
	}
	content := card.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	return CardRecord{
		CanvasID:         canvasID,
		CardID:           card.ID,
		Type:             card.Type,
		Lane:             card.Lane,
		Status:           string(card.Status),
		RefKey:           card.RefKey(),
		RefsJSON:         refsJSON,
		ContentJSON:      datatypes.JSON(content),
		GroupID:          card.GroupID,
		Priority:         card.Priority,
		Sequence:         card.Sequence,
		CreatedVersion:   card.CreatedVersion,
		UpdatedVersion:   card.UpdatedVersion,
		CreatedAtSeconds: createdAtSeconds,
		UpdatedAtSeconds: updatedAtSeconds,
	}, nil
}

// ProposedCard is the agent-supplied envelope for a new card.
type ProposedCard struct {
	Type     string          `json:"type"`
	Lane     string          `json:"lane"`
	Refs     Refs            `json:"refs,omitempty"`
	Content  json.RawMessage `json:"content"`
	GroupID  string          `json:"group_id,omitempty"`
	Priority int             `json:"priority,omitempty"`
}
