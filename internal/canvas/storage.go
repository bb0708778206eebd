package canvas

import "gorm.io/datatypes"

// CanvasRecord is the canonical canvas document.
type CanvasRecord struct {
	CanvasID         string         `gorm:"column:canvas_id;primaryKey;size:190;not null"`
	Phase            string         `gorm:"column:phase;size:32;not null"`
	Purpose          string         `gorm:"column:purpose;type:text;not null;default:''"`
	LanesJSON        datatypes.JSON `gorm:"column:lanes_json;not null"`
	Version          int64          `gorm:"column:version;not null;default:0"`
	NextSequence     int64          `gorm:"column:next_sequence;not null;default:0"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CanvasRecord) TableName() string {
	return "canvases"
}

// CardRecord stores one card of a canvas.
type CardRecord struct {
	CanvasID         string         `gorm:"column:canvas_id;primaryKey;size:190;not null;index:idx_cards_ref,priority:1;index:idx_cards_group,priority:1"`
	CardID           string         `gorm:"column:card_id;primaryKey;size:190;not null"`
	Type             string         `gorm:"column:type;size:64;not null;index:idx_cards_ref,priority:2"`
	Lane             string         `gorm:"column:lane;size:190;not null"`
	Status           string         `gorm:"column:status;size:32;not null"`
	RefKey           string         `gorm:"column:ref_key;size:512;not null;default:'';index:idx_cards_ref,priority:3"`
	RefsJSON         datatypes.JSON `gorm:"column:refs_json"`
	ContentJSON      datatypes.JSON `gorm:"column:content_json;not null"`
	GroupID          string         `gorm:"column:group_id;size:190;not null;default:'';index:idx_cards_group,priority:2"`
	Priority         int            `gorm:"column:priority;not null;default:0"`
	Sequence         int64          `gorm:"column:sequence;not null"`
	CreatedVersion   int64          `gorm:"column:created_version;not null"`
	UpdatedVersion   int64          `gorm:"column:updated_version;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CardRecord) TableName() string {
	return "canvas_cards"
}

// UpNextRecord is one derived entry of the up-next index.
type UpNextRecord struct {
	CanvasID string `gorm:"column:canvas_id;primaryKey;size:190;not null"`
	Position int    `gorm:"column:position;primaryKey;not null"`
	CardID   string `gorm:"column:card_id;size:190;not null"`
	Priority int    `gorm:"column:priority;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpNextRecord) TableName() string {
	return "canvas_up_next"
}

// IdempotencyRecord is written once per (canvas, key) in the same transaction as the commit.
type IdempotencyRecord struct {
	CanvasID         string         `gorm:"column:canvas_id;primaryKey;size:190;not null"`
	IdempotencyKey   string         `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	Operation        string         `gorm:"column:operation;size:64;not null"`
	RequestHash      string         `gorm:"column:request_hash;size:64;not null"`
	ResultVersion    int64          `gorm:"column:result_version;not null"`
	ResultJSON       datatypes.JSON `gorm:"column:result_json"`
	AppliedAtSeconds int64          `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IdempotencyRecord) TableName() string {
	return "canvas_idempotency"
}

// InstructionRecord keeps the free-text instruction history.
type InstructionRecord struct {
	InstructionID    string `gorm:"column:instruction_id;primaryKey;size:190;not null"`
	CanvasID         string `gorm:"column:canvas_id;size:190;not null;index"`
	Text             string `gorm:"column:text;type:text;not null"`
	Version          int64  `gorm:"column:version;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InstructionRecord) TableName() string {
	return "canvas_instructions"
}

// ActionLogRecord is the append-only log of applied actions with the before-images UNDO restores.
type ActionLogRecord struct {
	ActionID         string         `gorm:"column:action_id;primaryKey;size:190;not null"`
	CanvasID         string         `gorm:"column:canvas_id;size:190;not null;uniqueIndex:idx_action_log_version,priority:1"`
	Version          int64          `gorm:"column:version;not null;uniqueIndex:idx_action_log_version,priority:2"`
	ActionType       string         `gorm:"column:action_type;size:64;not null"`
	IdempotencyKey   string         `gorm:"column:idempotency_key;size:190;not null"`
	PayloadJSON      datatypes.JSON `gorm:"column:payload_json"`
	UndoJSON         datatypes.JSON `gorm:"column:undo_json"`
	Undone           bool           `gorm:"column:undone;not null;default:false"`
	AppliedAtSeconds int64          `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActionLogRecord) TableName() string {
	return "canvas_action_log"
}

// Models lists every persisted type for schema migration.
func Models() []any {
	return []any{
		&CanvasRecord{},
		&CardRecord{},
		&UpNextRecord{},
		&IdempotencyRecord{},
		&InstructionRecord{},
		&ActionLogRecord{},
	}
}
