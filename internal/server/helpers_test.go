package server

import (
	"bytes"
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
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/realtime"
)

const testSigningSecret = "test-signing-secret"

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

type testEnvironment struct {
	server      *httptest.Server
	agentToken  string
	clientToken string
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "canvas.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(canvas.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	feed := realtime.NewLocalFeed()
	t.Cleanup(func() { _ = feed.Close() })
	service, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Notifier:   realtime.NewFeedNotifier(feed),
	})
	if err != nil {
		t.Fatalf("failed to construct canvas service: %v", err)
	}
	publisher, err := realtime.NewPublisher(realtime.PublisherConfig{Feed: feed, Loader: service})
	if err != nil {
		t.Fatalf("failed to construct publisher: %v", err)
	}
	t.Cleanup(publisher.Close)

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            validator,
		Canvases:          service,
		Snapshots:         publisher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	agentToken, _, err := issuer.IssueActorToken(context.Background(), "planner", auth.RoleAgent)
	if err != nil {
		t.Fatalf("failed to issue agent token: %v", err)
	}
	clientToken, _, err := issuer.IssueActorToken(context.Background(), "phone", auth.RoleClient)
	if err != nil {
		t.Fatalf("failed to issue client token: %v", err)
	}
	return &testEnvironment{server: server, agentToken: agentToken, clientToken: clientToken}
}

func (env *testEnvironment) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(method, env.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response.StatusCode, decoded
}

func (env *testEnvironment) createCanvas(t *testing.T, canvasID string) {
	t.Helper()
	status, body := env.do(t, http.MethodPost, "/canvases", env.clientToken,
		fmt.Sprintf(`{"canvas_id":%q,"purpose":"upper body","lanes":["workout","targets"]}`, canvasID))
	if status != http.StatusOK {
		t.Fatalf("unexpected create status %d: %v", status, body)
	}
}

func (env *testEnvironment) proposeTarget(t *testing.T, canvasID, exerciseID string) (string, int64) {
	t.Helper()
	status, body := env.do(t, http.MethodPost, "/canvases/"+canvasID+"/cards", env.agentToken,
		fmt.Sprintf(`{"cards":[{"type":"target","lane":"targets","refs":{"exercise_id":%q},"content":{"weight":60,"reps":5}}]}`, exerciseID))
	if status != http.StatusOK {
		t.Fatalf("unexpected propose status %d: %v", status, body)
	}
	ids := body["created_card_ids"].([]any)
	return ids[0].(string), int64(body["version"].(float64))
}

func errorCodeOf(t *testing.T, body map[string]any) string {
	t.Helper()
	detail, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %v", body)
	}
	return detail["code"].(string)
}
