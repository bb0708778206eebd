package canvas

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is the full, version-stamped canvas image pushed to subscribers.
type Snapshot struct {
	CanvasID string        `json:"canvas_id"`
	Version  int64         `json:"version"`
	State    SnapshotState `json:"state"`
	Cards    []Card        `json:"cards"`
	UpNext   []UpNextEntry `json:"up_next"`
}

// SnapshotState carries the document-level fields of a snapshot.
type SnapshotState struct {
	Phase   Phase    `json:"phase"`
	Purpose string   `json:"purpose"`
	Lanes   []string `json:"lanes"`
}

// UpNextEntry is one position of the up-next index.
type UpNextEntry struct {
	CardID   string `json:"card_id"`
	Priority int    `json:"priority"`
}

// errCanvasMissing marks a snapshot read of an unknown canvas.
var errCanvasMissing = errors.New("canvas: not found")

func readSnapshot(tx *gorm.DB, canvasID CanvasID) (Snapshot, error) {
	var record CanvasRecord
	err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Where("canvas_id = ?", canvasID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, errCanvasMissing
	}
	if err != nil {
		return Snapshot{}, err
	}

	var cardRecords []CardRecord
	if err := tx.Where("canvas_id = ?", canvasID.String()).Order("sequence ASC").Find(&cardRecords).Error; err != nil {
		return Snapshot{}, err
	}
	var upNextRecords []UpNextRecord
	if err := tx.Where("canvas_id = ?", canvasID.String()).Order("position ASC").Find(&upNextRecords).Error; err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		CanvasID: record.CanvasID,
		Version:  record.Version,
		State:    SnapshotState{Phase: Phase(record.Phase), Purpose: record.Purpose, Lanes: []string{}},
		Cards:    make([]Card, 0, len(cardRecords)),
		UpNext:   make([]UpNextEntry, 0, len(upNextRecords)),
	}
	if len(record.LanesJSON) > 0 {
		if err := json.Unmarshal(record.LanesJSON, &snapshot.State.Lanes); err != nil {
			return Snapshot{}, fmt.Errorf("decode lanes of canvas %s: %w", record.CanvasID, err)
		}
	}
	for _, cardRecord := range cardRecords {
		card, err := cardFromRecord(cardRecord)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Cards = append(snapshot.Cards, card)
	}
	for _, entry := range upNextRecords {
		snapshot.UpNext = append(snapshot.UpNext, UpNextEntry{CardID: entry.CardID, Priority: entry.Priority})
	}
	return snapshot, nil
}

// Card returns the card with id, if present.
func (snapshot Snapshot) Card(id string) (Card, bool) {
	for _, card := range snapshot.Cards {
		if card.ID == id {
			return card, true
		}
	}
	return Card{}, false
}
