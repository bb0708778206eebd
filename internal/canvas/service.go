package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errVersionRace       = errors.New("canvas version changed during commit")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "canvas.service.new"
	opCreate     = "canvas.create"
	opApply      = "canvas.apply"
	opPropose    = "canvas.propose_cards"
	opSnapshot   = "canvas.snapshot"

	// operationProposeCards labels propose-cards in idempotency records and metrics.
	operationProposeCards = "PROPOSE_CARDS"

	DefaultUndoDepth    = 10
	DefaultUpNextLimit  = 20
	maxProposeAttempts  = 3
	maxCardsPerProposal = 100
	maxCardTypeLength   = 64
	maxPurposeLength    = 4000
	maxRefKeyLength     = 512
)

// Notifier is told about every committed version. Delivery is best effort.
type Notifier interface {
	NotifyCanvasChanged(ctx context.Context, canvasID CanvasID, version int64) error
}

// ServiceConfig wires the reducer's collaborators.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	Validators  *ContentValidators
	Notifier    Notifier
	Meter       metric.Meter
	UndoDepth   int
	UpNextLimit int
}

// Service owns every mutation of canvas state.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	validators  *ContentValidators
	notifier    Notifier
	metrics     *metrics
	undoDepth   int
	upNextLimit int
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, internalError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, internalError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	validators := cfg.Validators
	if validators == nil {
		defaults, err := NewContentValidators()
		if err != nil {
			return nil, internalError(opServiceNew, "validators_failed", err)
		}
		validators = defaults
	}
	instruments, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, internalError(opServiceNew, "metrics_failed", err)
	}
	undoDepth := cfg.UndoDepth
	if undoDepth <= 0 {
		undoDepth = DefaultUndoDepth
	}
	upNextLimit := cfg.UpNextLimit
	if upNextLimit <= 0 {
		upNextLimit = DefaultUpNextLimit
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		validators:  validators,
		notifier:    cfg.Notifier,
		metrics:     instruments,
		undoDepth:   undoDepth,
		upNextLimit: upNextLimit,
	}, nil
}

// CreateCanvasRequest describes a new canvas.
type CreateCanvasRequest struct {
	CanvasID string
	Purpose  string
	Lanes    []string
}

// CreateCanvasResult identifies the created canvas.
type CreateCanvasResult struct {
	CanvasID CanvasID
	Version  int64
}

// CreateCanvas stores a planning-phase canvas at version 0.
func (s *Service) CreateCanvas(ctx context.Context, request CreateCanvasRequest) (CreateCanvasResult, error) {
	purpose := strings.TrimSpace(request.Purpose)
	if purpose == "" {
		return CreateCanvasResult{}, validationError("purpose is required")
	}
	if len(purpose) > maxPurposeLength {
		return CreateCanvasResult{}, validationError("purpose exceeds %d characters", maxPurposeLength)
	}
	lanes, err := NormalizeLanes(request.Lanes)
	if err != nil {
		return CreateCanvasResult{}, validationCause("invalid lanes", err)
	}
	rawID := strings.TrimSpace(request.CanvasID)
	if rawID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return CreateCanvasResult{}, s.fail(opCreate, "id_generation_failed", err, "")
		}
		rawID = generated
	}
	canvasID, err := NewCanvasID(rawID)
	if err != nil {
		return CreateCanvasResult{}, validationCause("invalid canvas id", err)
	}
	lanesJSON, err := json.Marshal(lanes)
	if err != nil {
		return CreateCanvasResult{}, s.fail(opCreate, "encode_lanes_failed", err, canvasID)
	}
	now := s.clock().UTC().Unix()
	record := CanvasRecord{
		CanvasID:         canvasID.String(),
		Phase:            string(PhasePlanning),
		Purpose:          purpose,
		LanesJSON:        datatypes.JSON(lanesJSON),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return CreateCanvasResult{}, s.fail(opCreate, "insert_failed", result.Error, canvasID)
	}
	if result.RowsAffected == 0 {
		return CreateCanvasResult{}, validationError("canvas %s already exists", canvasID)
	}
	return CreateCanvasResult{CanvasID: canvasID, Version: 0}, nil
}

// ApplyResult reports the committed version. Replayed is set when the answer came from
// the idempotency record instead of a new commit.
type ApplyResult struct {
	Version  int64
	Replayed bool
}

// Apply validates and atomically applies one action against expectedVersion.
func (s *Service) Apply(ctx context.Context, canvasID CanvasID, expectedVersion int64, action Action) (ApplyResult, error) {
	started := time.Now()
	result, err := s.apply(ctx, canvasID, expectedVersion, action)
	s.metrics.recordOutcome(ctx, string(action.Type), started, result.Replayed, err)
	if err == nil && !result.Replayed {
		s.notify(ctx, canvasID, result.Version)
	}
	return result, err
}

func (s *Service) apply(ctx context.Context, canvasID CanvasID, expectedVersion int64, action Action) (ApplyResult, error) {
	if action.IdempotencyKey == "" {
		return ApplyResult{}, validationError("idempotency_key is required")
	}
	requestHash := action.requestHash()

	var result ApplyResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := s.lockState(tx, opApply, canvasID)
		if err != nil {
			return err
		}
		prior, err := findIdempotency(tx, canvasID, action.IdempotencyKey)
		if err != nil {
			return s.fail(opApply, "idempotency_select_failed", err, canvasID)
		}
		if prior != nil {
			if mismatch := matchReplay(prior, string(action.Type), requestHash); mismatch != nil {
				return mismatch
			}
			result = ApplyResult{Version: prior.ResultVersion, Replayed: true}
			return nil
		}
		if state.version != expectedVersion {
			return staleVersion(expectedVersion, state.version)
		}
		var pending *loggedAction
		if action.Type == ActionUndo && action.Type.LegalIn(state.phase) {
			pending, err = s.lastUndoable(tx, canvasID)
			if err != nil {
				return err
			}
		}
		var image *undoImage
		if pending != nil {
			image = &pending.image
		}
		if reduceErr := reduce(state, action, image); reduceErr != nil {
			return reduceErr
		}
		version, err := s.commitAction(tx, state, action, requestHash, pending)
		if err != nil {
			return err
		}
		result = ApplyResult{Version: version}
		return nil
	})
	switch {
	case txErr == nil:
		return result, nil
	case errors.Is(txErr, errConcurrentReplay):
		version, err := s.replayAfterRace(ctx, opApply, canvasID, action.IdempotencyKey, string(action.Type), requestHash)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Version: version, Replayed: true}, nil
	case errors.Is(txErr, errVersionRace):
		current, err := s.currentVersion(ctx, canvasID)
		if err != nil {
			return ApplyResult{}, s.fail(opApply, "version_select_failed", err, canvasID)
		}
		return ApplyResult{}, staleVersion(expectedVersion, current)
	default:
		return ApplyResult{}, txErr
	}
}

// ProposeRequest is an agent's batch of new cards.
type ProposeRequest struct {
	Cards          []ProposedCard
	IdempotencyKey IdempotencyKey
}

// ProposeResult lists the created card ids in request order.
type ProposeResult struct {
	Version  int64
	CardIDs  []string
	Replayed bool
}

type proposeOutcome struct {
	CardIDs []string `json:"card_ids"`
}

// ProposeCards appends proposed cards in one commit. It is not subject to the
// expected-version check; a lost compare-and-swap is retried internally.
func (s *Service) ProposeCards(ctx context.Context, canvasID CanvasID, request ProposeRequest) (ProposeResult, error) {
	started := time.Now()
	result, err := s.proposeCards(ctx, canvasID, request)
	s.metrics.recordOutcome(ctx, operationProposeCards, started, result.Replayed, err)
	if err == nil && !result.Replayed {
		s.metrics.recordProposals(ctx, len(result.CardIDs))
		s.notify(ctx, canvasID, result.Version)
	}
	return result, err
}

func (s *Service) proposeCards(ctx context.Context, canvasID CanvasID, request ProposeRequest) (ProposeResult, error) {
	cards, err := s.normalizeProposals(request.Cards)
	if err != nil {
		return ProposeResult{}, err
	}
	encoded, err := json.Marshal(cards)
	if err != nil {
		return ProposeResult{}, s.fail(opPropose, "encode_request_failed", err, canvasID)
	}
	requestHash := hashParts(operationProposeCards, string(encoded))

	for attempt := 1; ; attempt++ {
		result, err := s.proposeOnce(ctx, canvasID, cards, request.IdempotencyKey, requestHash)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, errConcurrentReplay):
			return s.replayProposal(ctx, canvasID, request.IdempotencyKey, requestHash)
		case errors.Is(err, errVersionRace) && attempt < maxProposeAttempts:
			s.logger.Debug("propose-cards lost version race; retrying",
				zap.String("canvas_id", canvasID.String()),
				zap.Int("attempt", attempt))
			continue
		case errors.Is(err, errVersionRace):
			return ProposeResult{}, s.fail(opPropose, "version_contention", err, canvasID)
		default:
			return ProposeResult{}, err
		}
	}
}

func (s *Service) proposeOnce(ctx context.Context, canvasID CanvasID, cards []ProposedCard, key IdempotencyKey, requestHash string) (ProposeResult, error) {
	var result ProposeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := s.lockState(tx, opPropose, canvasID)
		if err != nil {
			return err
		}
		if key != "" {
			prior, err := findIdempotency(tx, canvasID, key)
			if err != nil {
				return s.fail(opPropose, "idempotency_select_failed", err, canvasID)
			}
			if prior != nil {
				replayed, replayErr := proposalReplay(prior, requestHash)
				if replayErr != nil {
					return replayErr
				}
				result = replayed
				return nil
			}
		}
		if state.phase == PhaseCompleted {
			return &Error{Code: CodeIllegalPhaseTransition, Message: "cards cannot be proposed on a completed canvas"}
		}
		newVersion := state.version + 1
		created := make([]string, 0, len(cards))
		for _, proposal := range cards {
			if !state.hasLane(proposal.Lane) {
				return validationError("lane %q is not one of the canvas lanes", proposal.Lane)
			}
			cardID, err := s.idProvider.NewID()
			if err != nil {
				return s.fail(opPropose, "id_generation_failed", err, canvasID)
			}
			state.addCard(Card{
				ID:             cardID,
				Type:           proposal.Type,
				Lane:           proposal.Lane,
				Status:         CardStatusProposed,
				Refs:           proposal.Refs,
				Content:        proposal.Content,
				GroupID:        proposal.GroupID,
				Priority:       proposal.Priority,
				CreatedVersion: newVersion,
			})
			created = append(created, cardID)
		}
		now := s.clock().UTC().Unix()
		if err := s.writeState(tx, opPropose, state, newVersion, now); err != nil {
			return err
		}
		if key != "" {
			outcome, err := json.Marshal(proposeOutcome{CardIDs: created})
			if err != nil {
				return s.fail(opPropose, "encode_outcome_failed", err, canvasID)
			}
			inserted, err := reserveIdempotency(tx, &IdempotencyRecord{
				CanvasID:         canvasID.String(),
				IdempotencyKey:   key.String(),
				Operation:        operationProposeCards,
				RequestHash:      requestHash,
				ResultVersion:    newVersion,
				ResultJSON:       datatypes.JSON(outcome),
				AppliedAtSeconds: now,
			})
			if err != nil {
				return s.fail(opPropose, "idempotency_insert_failed", err, canvasID)
			}
			if !inserted {
				return errConcurrentReplay
			}
		}
		result = ProposeResult{Version: newVersion, CardIDs: created}
		return nil
	})
	if txErr != nil {
		return ProposeResult{}, txErr
	}
	return result, nil
}

func (s *Service) normalizeProposals(cards []ProposedCard) ([]ProposedCard, error) {
	if len(cards) == 0 {
		return nil, validationError("at least one card is required")
	}
	if len(cards) > maxCardsPerProposal {
		return nil, validationError("at most %d cards may be proposed at once", maxCardsPerProposal)
	}
	normalized := make([]ProposedCard, 0, len(cards))
	for index, card := range cards {
		card.Type = strings.TrimSpace(card.Type)
		card.Lane = strings.TrimSpace(card.Lane)
		card.GroupID = strings.TrimSpace(card.GroupID)
		if card.Type == "" || len(card.Type) > maxCardTypeLength {
			return nil, validationError("card %d: type must be 1..%d characters", index, maxCardTypeLength)
		}
		if card.Lane == "" {
			return nil, validationError("card %d: lane is required", index)
		}
		if len(card.GroupID) > maxIdentifierLength {
			return nil, validationError("card %d: group_id exceeds %d characters", index, maxIdentifierLength)
		}
		for refName := range card.Refs {
			if strings.TrimSpace(refName) == "" {
				return nil, validationError("card %d: refs keys must be non-empty", index)
			}
		}
		if len(card.Refs.Key()) > maxRefKeyLength {
			return nil, validationError("card %d: refs exceed %d encoded characters", index, maxRefKeyLength)
		}
		if len(strings.TrimSpace(string(card.Content))) == 0 {
			card.Content = json.RawMessage(`{}`)
		}
		if err := s.validators.Validate(card.Type, card.Content); err != nil {
			return nil, err
		}
		normalized = append(normalized, card)
	}
	return normalized, nil
}

func proposalReplay(record *IdempotencyRecord, requestHash string) (ProposeResult, error) {
	if mismatch := matchReplay(record, operationProposeCards, requestHash); mismatch != nil {
		return ProposeResult{}, mismatch
	}
	var outcome proposeOutcome
	if len(record.ResultJSON) > 0 {
		if err := json.Unmarshal(record.ResultJSON, &outcome); err != nil {
			return ProposeResult{}, internalError(opPropose, "decode_outcome_failed", err)
		}
	}
	return ProposeResult{Version: record.ResultVersion, CardIDs: outcome.CardIDs, Replayed: true}, nil
}

func (s *Service) replayProposal(ctx context.Context, canvasID CanvasID, key IdempotencyKey, requestHash string) (ProposeResult, error) {
	record, err := findIdempotency(s.db.WithContext(ctx), canvasID, key)
	if err != nil {
		return ProposeResult{}, s.fail(opPropose, "idempotency_select_failed", err, canvasID)
	}
	if record == nil {
		return ProposeResult{}, s.fail(opPropose, "idempotency_record_missing", errConcurrentReplay, canvasID)
	}
	return proposalReplay(record, requestHash)
}

// Snapshot returns a consistent image of the canvas at its current version.
func (s *Service) Snapshot(ctx context.Context, canvasID CanvasID) (Snapshot, error) {
	var snapshot Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := readSnapshot(tx, canvasID)
		if err != nil {
			return err
		}
		snapshot = loaded
		return nil
	})
	if errors.Is(txErr, errCanvasMissing) {
		return Snapshot{}, notFound("canvas %s does not exist", canvasID)
	}
	if txErr != nil {
		return Snapshot{}, s.fail(opSnapshot, "read_failed", txErr, canvasID)
	}
	return snapshot, nil
}

// lockState loads the canvas row under an update lock together with its cards.
func (s *Service) lockState(tx *gorm.DB, operation string, canvasID CanvasID) (*canvasState, error) {
	var record CanvasRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("canvas_id = ?", canvasID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("canvas %s does not exist", canvasID)
	}
	if err != nil {
		return nil, s.fail(operation, "canvas_select_failed", err, canvasID)
	}
	var cardRecords []CardRecord
	if err := tx.Where("canvas_id = ?", canvasID.String()).Order("sequence ASC").Find(&cardRecords).Error; err != nil {
		return nil, s.fail(operation, "cards_select_failed", err, canvasID)
	}
	state, err := newCanvasState(record, cardRecords)
	if err != nil {
		return nil, s.fail(operation, "state_decode_failed", err, canvasID)
	}
	return state, nil
}

type loggedAction struct {
	record ActionLogRecord
	image  undoImage
}

// lastUndoable finds the newest non-undone action within the undo window.
func (s *Service) lastUndoable(tx *gorm.DB, canvasID CanvasID) (*loggedAction, error) {
	var entries []ActionLogRecord
	err := tx.Where("canvas_id = ? AND action_type <> ?", canvasID.String(), string(ActionUndo)).
		Order("version DESC").
		Limit(s.undoDepth).
		Find(&entries).Error
	if err != nil {
		return nil, s.fail(opApply, "action_log_select_failed", err, canvasID)
	}
	for _, entry := range entries {
		if entry.Undone {
			continue
		}
		var image undoImage
		if err := json.Unmarshal(entry.UndoJSON, &image); err != nil {
			return nil, s.fail(opApply, "undo_image_decode_failed", err, canvasID)
		}
		return &loggedAction{record: entry, image: image}, nil
	}
	return nil, nil
}

func (s *Service) commitAction(tx *gorm.DB, state *canvasState, action Action, requestHash string, undone *loggedAction) (int64, error) {
	canvasID := CanvasID(state.canvasID)
	now := s.clock().UTC().Unix()
	newVersion := state.version + 1
	image := state.undoImage()

	if state.instruction != "" {
		instructionID, err := s.idProvider.NewID()
		if err != nil {
			return 0, s.fail(opApply, "id_generation_failed", err, canvasID)
		}
		instruction := InstructionRecord{
			InstructionID:    instructionID,
			CanvasID:         state.canvasID,
			Text:             state.instruction,
			Version:          newVersion,
			CreatedAtSeconds: now,
		}
		if err := tx.Create(&instruction).Error; err != nil {
			return 0, s.fail(opApply, "instruction_insert_failed", err, canvasID)
		}
		image.InstructionID = instructionID
	}
	if undone != nil {
		if undone.image.InstructionID != "" {
			if err := tx.Where("instruction_id = ?", undone.image.InstructionID).Delete(&InstructionRecord{}).Error; err != nil {
				return 0, s.fail(opApply, "instruction_delete_failed", err, canvasID)
			}
		}
		if err := tx.Model(&ActionLogRecord{}).Where("action_id = ?", undone.record.ActionID).Update("undone", true).Error; err != nil {
			return 0, s.fail(opApply, "action_log_update_failed", err, canvasID)
		}
	}

	if err := s.writeState(tx, opApply, state, newVersion, now); err != nil {
		return 0, err
	}

	undoJSON, err := json.Marshal(image)
	if err != nil {
		return 0, s.fail(opApply, "undo_image_encode_failed", err, canvasID)
	}
	actionID, err := s.idProvider.NewID()
	if err != nil {
		return 0, s.fail(opApply, "id_generation_failed", err, canvasID)
	}
	entry := ActionLogRecord{
		ActionID:         actionID,
		CanvasID:         state.canvasID,
		Version:          newVersion,
		ActionType:       string(action.Type),
		IdempotencyKey:   action.IdempotencyKey.String(),
		PayloadJSON:      datatypes.JSON(action.Payload),
		UndoJSON:         datatypes.JSON(undoJSON),
		AppliedAtSeconds: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, s.fail(opApply, "action_log_insert_failed", err, canvasID)
	}

	inserted, err := reserveIdempotency(tx, &IdempotencyRecord{
		CanvasID:         state.canvasID,
		IdempotencyKey:   action.IdempotencyKey.String(),
		Operation:        string(action.Type),
		RequestHash:      requestHash,
		ResultVersion:    newVersion,
		AppliedAtSeconds: now,
	})
	if err != nil {
		return 0, s.fail(opApply, "idempotency_insert_failed", err, canvasID)
	}
	if !inserted {
		return 0, errConcurrentReplay
	}
	return newVersion, nil
}

// writeState performs the compare-and-swap version bump and persists touched cards and
// the rebuilt up-next index.
func (s *Service) writeState(tx *gorm.DB, operation string, state *canvasState, newVersion, now int64) error {
	canvasID := CanvasID(state.canvasID)
	update := tx.Model(&CanvasRecord{}).
		Where("canvas_id = ? AND version = ?", state.canvasID, state.version).
		Updates(map[string]any{
			"version":       newVersion,
			"phase":         string(state.phase),
			"next_sequence": state.nextSequence,
			"updated_at_s":  now,
		})
	if update.Error != nil {
		return s.fail(operation, "canvas_update_failed", update.Error, canvasID)
	}
	if update.RowsAffected == 0 {
		return errVersionRace
	}

	for _, cardID := range state.touchedOrder {
		card := state.byID[cardID]
		card.UpdatedVersion = newVersion
		createdAt, known := state.createdAt[cardID]
		if !known {
			createdAt = now
		}
		record, err := card.toRecord(state.canvasID, createdAt, now)
		if err != nil {
			return s.fail(operation, "card_encode_failed", err, canvasID)
		}
		if _, existed := state.before[cardID]; existed {
			err = tx.Save(&record).Error
		} else {
			err = tx.Create(&record).Error
		}
		if err != nil {
			return s.fail(operation, "card_write_failed", err, canvasID)
		}
	}

	if err := tx.Where("canvas_id = ?", state.canvasID).Delete(&UpNextRecord{}).Error; err != nil {
		return s.fail(operation, "up_next_clear_failed", err, canvasID)
	}
	if entries := state.upNext(s.upNextLimit); len(entries) > 0 {
		if err := tx.Create(&entries).Error; err != nil {
			return s.fail(operation, "up_next_insert_failed", err, canvasID)
		}
	}
	return nil
}

func (s *Service) replayAfterRace(ctx context.Context, operation string, canvasID CanvasID, key IdempotencyKey, actionType, requestHash string) (int64, error) {
	record, err := findIdempotency(s.db.WithContext(ctx), canvasID, key)
	if err != nil {
		return 0, s.fail(operation, "idempotency_select_failed", err, canvasID)
	}
	if record == nil {
		return 0, s.fail(operation, "idempotency_record_missing", errConcurrentReplay, canvasID)
	}
	if mismatch := matchReplay(record, actionType, requestHash); mismatch != nil {
		return 0, mismatch
	}
	return record.ResultVersion, nil
}

func (s *Service) currentVersion(ctx context.Context, canvasID CanvasID) (int64, error) {
	var record CanvasRecord
	if err := s.db.WithContext(ctx).Select("version").Where("canvas_id = ?", canvasID.String()).Take(&record).Error; err != nil {
		return 0, err
	}
	return record.Version, nil
}

func (s *Service) notify(ctx context.Context, canvasID CanvasID, version int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyCanvasChanged(ctx, canvasID, version); err != nil {
		s.loggerOrDefault().Warn("canvas change notification failed",
			zap.String("canvas_id", canvasID.String()),
			zap.Int64("version", version),
			zap.Error(err))
	}
}

// fail logs an infrastructure failure and returns it as INTERNAL.
func (s *Service) fail(operation, reason string, err error, canvasID CanvasID) error {
	fields := []zap.Field{}
	if canvasID != "" {
		fields = append(fields, zap.String("canvas_id", canvasID.String()))
	}
	s.logError(operation, reason, err, fields...)
	return internalError(operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("canvas service error", attrs...)
}
