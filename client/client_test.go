package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/canvas/client"
	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/realtime"
	"github.com/MarcoPoloResearchLab/canvas/internal/server"
)

const testSigningSecret = "client-test-secret"

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("card-%03d", s.next), nil
}

type apiHarness struct {
	baseURL     string
	agentToken  string
	clientToken string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "canvas.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(canvas.Models()...))

	feed := realtime.NewLocalFeed()
	t.Cleanup(func() { _ = feed.Close() })
	service, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Notifier:   realtime.NewFeedNotifier(feed),
	})
	require.NoError(t, err)
	publisher, err := realtime.NewPublisher(realtime.PublisherConfig{Feed: feed, Loader: service})
	require.NoError(t, err)

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            validator,
		Canvases:          service,
		Snapshots:         publisher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	// Registered after the publisher so open streams are detached before the server closes.
	t.Cleanup(httpServer.Close)
	t.Cleanup(publisher.Close)

	agentToken, _, err := issuer.IssueActorToken(context.Background(), "planner", auth.RoleAgent)
	require.NoError(t, err)
	clientToken, _, err := issuer.IssueActorToken(context.Background(), "phone", auth.RoleClient)
	require.NoError(t, err)
	return &apiHarness{baseURL: httpServer.URL, agentToken: agentToken, clientToken: clientToken}
}

func targetCard(exerciseID string, weight int) client.ProposedCard {
	return client.ProposedCard{
		Type:    "target",
		Lane:    "targets",
		Refs:    map[string]any{"exercise_id": exerciseID},
		Content: json.RawMessage(fmt.Sprintf(`{"weight":%d,"reps":5}`, weight)),
	}
}

func instruction(key, text string) client.Action {
	return client.Action{
		Type:           "ADD_INSTRUCTION",
		IdempotencyKey: key,
		Payload:        json.RawMessage(fmt.Sprintf(`{"text":%q}`, text)),
	}
}

func TestClientProposeAcceptAndReplay(t *testing.T) {
	harness := newAPIHarness(t)
	ctx := context.Background()
	phone := client.New(harness.baseURL, harness.clientToken)
	planner := client.New(harness.baseURL, harness.agentToken)

	created, err := phone.CreateCanvas(ctx, client.CreateCanvasRequest{CanvasID: "canvas-client", Purpose: "push day", Lanes: []string{"workout", "targets"}})
	require.NoError(t, err)
	require.Equal(t, "canvas-client", created.CanvasID)
	require.Zero(t, created.Version)

	proposed, err := planner.ProposeCards(ctx, created.CanvasID, client.ProposeRequest{
		Cards:          []client.ProposedCard{targetCard("bench", 60), targetCard("dips", 0)},
		IdempotencyKey: "planner-batch-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), proposed.Version)
	require.Len(t, proposed.CreatedCardIDs, 2)

	replayedBatch, err := planner.ProposeCards(ctx, created.CanvasID, client.ProposeRequest{
		Cards:          []client.ProposedCard{targetCard("bench", 60), targetCard("dips", 0)},
		IdempotencyKey: "planner-batch-1",
	})
	require.NoError(t, err)
	require.Equal(t, proposed, replayedBatch)

	accept := client.Action{Type: "ACCEPT_PROPOSAL", IdempotencyKey: "accept-bench", CardID: proposed.CreatedCardIDs[0]}
	applied, err := phone.ApplyAction(ctx, created.CanvasID, proposed.Version, accept)
	require.NoError(t, err)
	require.Equal(t, int64(2), applied.Version)

	// A lost response retried with the same key replays even at the old version.
	replayed, err := phone.ApplyAction(ctx, created.CanvasID, proposed.Version, accept)
	require.NoError(t, err)
	require.Equal(t, applied, replayed)

	snapshot, err := phone.Snapshot(ctx, created.CanvasID)
	require.NoError(t, err)
	require.Equal(t, int64(2), snapshot.Version)
	require.Equal(t, "planning", snapshot.State.Phase)
	card, ok := snapshot.Card(proposed.CreatedCardIDs[0])
	require.True(t, ok)
	require.Equal(t, "accepted", card.Status)
	require.Len(t, snapshot.UpNext, 1)
	require.Equal(t, proposed.CreatedCardIDs[1], snapshot.UpNext[0].CardID)
}

func TestClientDecodesAPIErrors(t *testing.T) {
	harness := newAPIHarness(t)
	ctx := context.Background()
	phone := client.New(harness.baseURL, harness.clientToken)

	_, err := phone.Snapshot(ctx, "missing-canvas")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, client.CodeNotFound, apiErr.Code)

	created, err := phone.CreateCanvas(ctx, client.CreateCanvasRequest{Purpose: "legs", Lanes: []string{"workout"}})
	require.NoError(t, err)
	require.NotEmpty(t, created.CanvasID)

	_, err = phone.ApplyAction(ctx, created.CanvasID, 4, client.Action{Type: "PAUSE", IdempotencyKey: "pause"})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, client.CodeStaleVersion, apiErr.Code)
	require.NotNil(t, apiErr.CurrentVersion)
	require.Zero(t, *apiErr.CurrentVersion)

	_, err = phone.ApplyAction(ctx, created.CanvasID, 0, client.Action{Type: "PAUSE", IdempotencyKey: "pause"})
	require.True(t, client.IsCode(err, client.CodeIllegalPhaseTransition))

	_, err = phone.ProposeCards(ctx, created.CanvasID, client.ProposeRequest{Cards: []client.ProposedCard{targetCard("squat", 80)}})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	anonymous := client.New(harness.baseURL, "")
	_, err = anonymous.Snapshot(ctx, created.CanvasID)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestReconcilersConvergeAfterConcurrentEdit(t *testing.T) {
	harness := newAPIHarness(t)
	ctx := context.Background()
	phone := client.New(harness.baseURL, harness.clientToken)
	created, err := phone.CreateCanvas(ctx, client.CreateCanvasRequest{CanvasID: "canvas-race", Purpose: "pull day", Lanes: []string{"workout"}})
	require.NoError(t, err)

	first, err := client.NewReconciler(client.ReconcilerConfig{Transport: phone, CanvasID: created.CanvasID})
	require.NoError(t, err)
	second, err := client.NewReconciler(client.ReconcilerConfig{Transport: client.New(harness.baseURL, harness.clientToken), CanvasID: created.CanvasID})
	require.NoError(t, err)

	won, err := first.Submit(ctx, instruction("first-edit", "brace hard"))
	require.NoError(t, err)
	require.Equal(t, int64(1), won.Version)

	// second still believes the canvas is at version 0.
	retried, err := second.Submit(ctx, instruction("second-edit", "pause at the bottom"))
	require.NoError(t, err)
	require.Equal(t, int64(2), retried.Version)
	require.Equal(t, int64(2), second.LastKnownVersion())

	snapshot, err := phone.Snapshot(ctx, created.CanvasID)
	require.NoError(t, err)
	require.Equal(t, int64(2), snapshot.Version)
}

func TestClientStreamDeliversCommittedVersions(t *testing.T) {
	harness := newAPIHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	phone := client.New(harness.baseURL, harness.clientToken)
	planner := client.New(harness.baseURL, harness.agentToken)

	created, err := phone.CreateCanvas(ctx, client.CreateCanvasRequest{CanvasID: "canvas-live", Purpose: "conditioning", Lanes: []string{"workout", "targets"}})
	require.NoError(t, err)

	stream, err := phone.Subscribe(ctx, created.CanvasID)
	require.NoError(t, err)
	defer stream.Close()

	reconciler, err := client.NewReconciler(client.ReconcilerConfig{Transport: phone, CanvasID: created.CanvasID})
	require.NoError(t, err)
	initial, err := reconciler.WaitForVersion(ctx, stream.Snapshots(), 0)
	require.NoError(t, err)
	require.Equal(t, "conditioning", initial.State.Purpose)

	proposed, err := planner.ProposeCards(ctx, created.CanvasID, client.ProposeRequest{Cards: []client.ProposedCard{targetCard("rower", 0)}})
	require.NoError(t, err)

	live, err := reconciler.WaitForVersion(ctx, stream.Snapshots(), proposed.Version)
	require.NoError(t, err)
	_, ok := live.Card(proposed.CreatedCardIDs[0])
	require.True(t, ok)
	require.Equal(t, proposed.Version, reconciler.LastKnownVersion())

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Err())
}

func TestClientSubscribeUnknownCanvas(t *testing.T) {
	harness := newAPIHarness(t)
	phone := client.New(harness.baseURL, harness.clientToken)

	_, err := phone.Subscribe(context.Background(), "nowhere")
	require.True(t, client.IsCode(err, client.CodeNotFound))
}
