package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

func TestCanvasLifecycleOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	env.createCanvas(t, "canvas-http")

	cardID, version := env.proposeTarget(t, "canvas-http", "bench")
	if version != 1 {
		t.Fatalf("expected version 1 after proposal, got %d", version)
	}

	accept := fmt.Sprintf(`{"expected_version":1,"action":{"type":"ACCEPT_PROPOSAL","idempotency_key":"k1","card_id":%q}}`, cardID)
	status, first := env.do(t, http.MethodPost, "/canvases/canvas-http/actions", env.clientToken, accept)
	if status != http.StatusOK || first["success"] != true || first["version"].(float64) != 2 {
		t.Fatalf("unexpected apply response %d: %v", status, first)
	}

	status, second := env.do(t, http.MethodPost, "/canvases/canvas-http/actions", env.clientToken, accept)
	if status != http.StatusOK || !reflect.DeepEqual(first, second) {
		t.Fatalf("duplicate submission must return the identical response, got %d: %v vs %v", status, first, second)
	}

	status, body := env.do(t, http.MethodGet, "/canvases/canvas-http/snapshot", env.clientToken, "")
	if status != http.StatusOK || body["version"].(float64) != 2 {
		t.Fatalf("unexpected snapshot %d: %v", status, body)
	}
	cards := body["cards"].([]any)
	if len(cards) != 1 || cards[0].(map[string]any)["status"] != "accepted" {
		t.Fatalf("unexpected snapshot cards: %v", cards)
	}
}

func TestApplyActionErrorStatuses(t *testing.T) {
	env := newTestEnvironment(t)
	env.createCanvas(t, "canvas-errors")
	cardID, _ := env.proposeTarget(t, "canvas-errors", "bench")

	testCases := []struct {
		name     string
		path     string
		body     string
		status   int
		code     string
		expected func(t *testing.T, body map[string]any)
	}{
		{
			name:   "stale version",
			path:   "/canvases/canvas-errors/actions",
			body:   `{"expected_version":0,"action":{"type":"PAUSE","idempotency_key":"stale"}}`,
			status: http.StatusConflict,
			code:   string(canvas.CodeStaleVersion),
			expected: func(t *testing.T, body map[string]any) {
				detail := body["error"].(map[string]any)
				if detail["current_version"].(float64) != 1 {
					t.Fatalf("expected current_version 1, got %v", detail["current_version"])
				}
			},
		},
		{
			name:   "illegal phase",
			path:   "/canvases/canvas-errors/actions",
			body:   `{"expected_version":1,"action":{"type":"PAUSE","idempotency_key":"pause"}}`,
			status: http.StatusUnprocessableEntity,
			code:   string(canvas.CodeIllegalPhaseTransition),
		},
		{
			name:   "unknown action type",
			path:   "/canvases/canvas-errors/actions",
			body:   `{"expected_version":1,"action":{"type":"DANCE","idempotency_key":"dance"}}`,
			status: http.StatusBadRequest,
			code:   string(canvas.CodeValidation),
		},
		{
			name:   "missing expected version",
			path:   "/canvases/canvas-errors/actions",
			body:   fmt.Sprintf(`{"action":{"type":"ACCEPT_PROPOSAL","idempotency_key":"nv","card_id":%q}}`, cardID),
			status: http.StatusBadRequest,
			code:   string(canvas.CodeValidation),
		},
		{
			name:   "unknown canvas",
			path:   "/canvases/missing/actions",
			body:   `{"expected_version":0,"action":{"type":"PAUSE","idempotency_key":"p"}}`,
			status: http.StatusNotFound,
			code:   string(canvas.CodeNotFound),
		},
		{
			name:   "unknown card",
			path:   "/canvases/canvas-errors/actions",
			body:   `{"expected_version":1,"action":{"type":"ACCEPT_PROPOSAL","idempotency_key":"nc","card_id":"ghost"}}`,
			status: http.StatusNotFound,
			code:   string(canvas.CodeNotFound),
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, testCase.path, env.clientToken, testCase.body)
			if status != testCase.status {
				t.Fatalf("expected status %d, got %d: %v", testCase.status, status, body)
			}
			if body["success"] != false {
				t.Fatalf("expected success=false, got %v", body)
			}
			if code := errorCodeOf(t, body); code != testCase.code {
				t.Fatalf("expected code %s, got %s", testCase.code, code)
			}
			if testCase.expected != nil {
				testCase.expected(t, body)
			}
		})
	}

	status, body := env.do(t, http.MethodGet, "/canvases/canvas-errors/snapshot", env.clientToken, "")
	if status != http.StatusOK || body["version"].(float64) != 1 {
		t.Fatalf("failed requests must not commit, got %d: %v", status, body)
	}
}

func TestProposeCardsRequiresAgentRole(t *testing.T) {
	env := newTestEnvironment(t)
	env.createCanvas(t, "canvas-roles")

	status, body := env.do(t, http.MethodPost, "/canvases/canvas-roles/cards", env.clientToken,
		`{"cards":[{"type":"note","lane":"workout","content":{}}]}`)
	if status != http.StatusForbidden || errorCodeOf(t, body) != string(codeForbidden) {
		t.Fatalf("expected forbidden, got %d: %v", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/canvases/canvas-roles/cards", "", `{"cards":[]}`)
	if status != http.StatusUnauthorized || errorCodeOf(t, body) != string(codeUnauthorized) {
		t.Fatalf("expected unauthorized, got %d: %v", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/canvases/canvas-roles/cards", env.agentToken,
		`{"cards":[{"type":"note","lane":"nowhere","content":{}}]}`)
	if status != http.StatusBadRequest || errorCodeOf(t, body) != string(canvas.CodeValidation) {
		t.Fatalf("expected validation error for unknown lane, got %d: %v", status, body)
	}
}

func TestProposeCardsReplaysIdempotencyKey(t *testing.T) {
	env := newTestEnvironment(t)
	env.createCanvas(t, "canvas-propose-replay")

	payload := `{"idempotency_key":"batch-1","cards":[{"type":"note","lane":"workout","content":{"text":"warm up"}}]}`
	_, first := env.do(t, http.MethodPost, "/canvases/canvas-propose-replay/cards", env.agentToken, payload)
	status, second := env.do(t, http.MethodPost, "/canvases/canvas-propose-replay/cards", env.agentToken, payload)
	if status != http.StatusOK || !reflect.DeepEqual(first, second) {
		t.Fatalf("replay must return the original response, got %d: %v vs %v", status, first, second)
	}
}

type failingCanvasService struct{}

func (failingCanvasService) CreateCanvas(context.Context, canvas.CreateCanvasRequest) (canvas.CreateCanvasResult, error) {
	return canvas.CreateCanvasResult{}, errors.New("disk full")
}

func (failingCanvasService) Apply(context.Context, canvas.CanvasID, int64, canvas.Action) (canvas.ApplyResult, error) {
	return canvas.ApplyResult{}, errors.New("disk full")
}

func (failingCanvasService) ProposeCards(context.Context, canvas.CanvasID, canvas.ProposeRequest) (canvas.ProposeResult, error) {
	return canvas.ProposeResult{}, errors.New("disk full")
}

func (failingCanvasService) Snapshot(context.Context, canvas.CanvasID) (canvas.Snapshot, error) {
	return canvas.Snapshot{}, errors.New("disk full")
}

func TestWriteCanvasErrorHidesInternalDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{canvases: failingCanvasService{}, logger: zap.New(core)}

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/canvases/c1/actions",
		strings.NewReader(`{"expected_version":0,"action":{"type":"PAUSE","idempotency_key":"k"}}`))
	ctx.Params = gin.Params{{Key: "canvas_id", Value: "c1"}}
	ctx.Set(actorContextKey, auth.Actor{Subject: "phone", Role: auth.RoleClient})

	handler.handleApplyAction(ctx)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "disk full") {
		t.Fatalf("internal cause leaked to the client: %s", recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), string(canvas.CodeInternal)) {
		t.Fatalf("expected INTERNAL code, got %s", recorder.Body.String())
	}
	entries := logs.FilterMessage("canvas request failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error log entry, got %v", logs.All())
	}
}

func TestStatusForCode(t *testing.T) {
	expectations := map[canvas.ErrorCode]int{
		canvas.CodeStaleVersion:           http.StatusConflict,
		canvas.CodeIllegalPhaseTransition: http.StatusUnprocessableEntity,
		canvas.CodeValidation:             http.StatusBadRequest,
		canvas.CodeNotFound:               http.StatusNotFound,
		canvas.CodeInternal:               http.StatusInternalServerError,
	}
	for code, expected := range expectations {
		if status := statusForCode(code); status != expected {
			t.Fatalf("status for %s = %d, want %d", code, status, expected)
		}
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte("s")})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: validator}); !errors.Is(err, errMissingCanvasService) {
		t.Fatalf("expected missing canvas service error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: validator, Canvases: failingCanvasService{}}); !errors.Is(err, errMissingSnapshotStream) {
		t.Fatalf("expected missing snapshot stream error, got %v", err)
	}
}
