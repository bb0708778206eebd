package canvas

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errConcurrentReplay reports that another transaction committed the same idempotency
// key first; the caller rolls back and answers from the stored record.
var errConcurrentReplay = errors.New("canvas: idempotency key committed concurrently")

func findIdempotency(tx *gorm.DB, canvasID CanvasID, key IdempotencyKey) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := tx.Where("canvas_id = ? AND idempotency_key = ?", canvasID.String(), key.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// matchReplay refuses a recorded key that is being reused for a different request.
func matchReplay(record *IdempotencyRecord, operation, requestHash string) *Error {
	if record.Operation != operation || record.RequestHash != requestHash {
		return validationError("idempotency key %s was already used for a different %s request", record.IdempotencyKey, record.Operation)
	}
	return nil
}

// reserveIdempotency writes the record once; it reports false when the key already exists.
func reserveIdempotency(tx *gorm.DB, record *IdempotencyRecord) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
