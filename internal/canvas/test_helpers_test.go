package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	laneWorkout = "workout"
	laneTargets = "targets"
	laneNotes   = "notes"
)

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next), nil
}

type recordedNotice struct {
	canvasID CanvasID
	version  int64
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []recordedNotice
}

func (n *recordingNotifier) NotifyCanvasChanged(_ context.Context, canvasID CanvasID, version int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, recordedNotice{canvasID: canvasID, version: version})
	return nil
}

func (n *recordingNotifier) versions() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	versions := make([]int64, 0, len(n.notices))
	for _, notice := range n.notices {
		versions = append(versions, notice.version)
	}
	return versions
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvas.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, configure ...func(*ServiceConfig)) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	cfg := ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequenceIDs{prefix: "id"},
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct canvas service: %v", err)
	}
	return service, db
}

func mustCreateCanvas(t *testing.T, service *Service, canvasID string) CanvasID {
	t.Helper()
	result, err := service.CreateCanvas(context.Background(), CreateCanvasRequest{
		CanvasID: canvasID,
		Purpose:  "upper body session",
		Lanes:    []string{laneWorkout, laneTargets, laneNotes},
	})
	if err != nil {
		t.Fatalf("failed to create canvas: %v", err)
	}
	return result.CanvasID
}

func mustPropose(t *testing.T, service *Service, canvasID CanvasID, cards ...ProposedCard) ProposeResult {
	t.Helper()
	result, err := service.ProposeCards(context.Background(), canvasID, ProposeRequest{Cards: cards})
	if err != nil {
		t.Fatalf("failed to propose cards: %v", err)
	}
	if len(result.CardIDs) != len(cards) {
		t.Fatalf("expected %d card ids, got %d", len(cards), len(result.CardIDs))
	}
	return result
}

func mustAction(t *testing.T, actionType, key, cardID, payload string) Action {
	t.Helper()
	action, err := NewAction(ActionConfig{
		Type:           actionType,
		IdempotencyKey: key,
		CardID:         cardID,
		Payload:        json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("unexpected action error: %v", err)
	}
	return action
}

func mustApply(t *testing.T, service *Service, canvasID CanvasID, expectedVersion int64, action Action) int64 {
	t.Helper()
	result, err := service.Apply(context.Background(), canvasID, expectedVersion, action)
	if err != nil {
		t.Fatalf("apply %s failed: %v", action.Type, err)
	}
	return result.Version
}

func mustSnapshot(t *testing.T, service *Service, canvasID CanvasID) Snapshot {
	t.Helper()
	snapshot, err := service.Snapshot(context.Background(), canvasID)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	return snapshot
}

func mustCard(t *testing.T, snapshot Snapshot, cardID string) Card {
	t.Helper()
	card, ok := snapshot.Card(cardID)
	if !ok {
		t.Fatalf("card %s missing from snapshot", cardID)
	}
	return card
}

func expectCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected typed canvas error, got %T: %v", err, err)
	}
	if typed.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, typed.Code, typed.Message)
	}
	return typed
}

func planCard() ProposedCard {
	return ProposedCard{
		Type: CardTypeSessionPlan,
		Lane: laneWorkout,
		Content: json.RawMessage(`{"title":"Push day","exercises":[
			{"exercise_id":"bench","name":"Bench press","sets":[
				{"target":{"reps":8,"rir":2,"weight":60},"actual":null,"status":"planned"},
				{"target":{"reps":8,"rir":2,"weight":62.5},"actual":null,"status":"planned"},
				{"target":{"reps":6,"rir":1,"weight":65},"actual":null,"status":"planned"}]},
			{"exercise_id":"row","name":"Barbell row","sets":[
				{"target":{"reps":10,"rir":2,"weight":50},"actual":null,"status":"planned"}]}]}`),
	}
}

func targetCard(exerciseID string, weight float64) ProposedCard {
	return ProposedCard{
		Type:    CardTypeTarget,
		Lane:    laneTargets,
		Refs:    Refs{"exercise_id": exerciseID},
		Content: json.RawMessage(fmt.Sprintf(`{"reps":5,"rir":1,"weight":%g}`, weight)),
	}
}

func decodePlan(t *testing.T, card Card) *sessionPlan {
	t.Helper()
	plan, err := decodeSessionPlan(card.Content)
	if err != nil {
		t.Fatalf("failed to decode plan: %v", err)
	}
	return plan
}

// startedCanvas returns a canvas in the active phase with an accepted session plan.
func startedCanvas(t *testing.T, service *Service, canvasID string) (CanvasID, string, int64) {
	t.Helper()
	id := mustCreateCanvas(t, service, canvasID)
	proposed := mustPropose(t, service, id, planCard())
	planID := proposed.CardIDs[0]
	version := mustApply(t, service, id, proposed.Version, mustAction(t, "ACCEPT_PROPOSAL", "accept-plan", planID, ""))
	return id, planID, version
}
