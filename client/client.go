// Package client talks to the canvas API: typed calls for every endpoint, a snapshot
// stream reader, and a Reconciler that submits actions with one conflict retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error codes returned by the canvas API.
const (
	CodeStaleVersion           = "STALE_VERSION"
	CodeIllegalPhaseTransition = "ILLEGAL_PHASE_TRANSITION"
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeInternal               = "INTERNAL"
)

// Client is a minimal canvas HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Snapshot is the full, version-stamped canvas image.
type Snapshot struct {
	CanvasID string        `json:"canvas_id"`
	Version  int64         `json:"version"`
	State    State         `json:"state"`
	Cards    []Card        `json:"cards"`
	UpNext   []UpNextEntry `json:"up_next"`
}

// State carries the document-level fields of a snapshot.
type State struct {
	Phase   string   `json:"phase"`
	Purpose string   `json:"purpose"`
	Lanes   []string `json:"lanes"`
}

// Card is one card of a snapshot.
type Card struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Lane           string          `json:"lane"`
	Status         string          `json:"status"`
	Refs           map[string]any  `json:"refs,omitempty"`
	Content        json.RawMessage `json:"content"`
	GroupID        string          `json:"group_id,omitempty"`
	Priority       int             `json:"priority"`
	Sequence       int64           `json:"sequence"`
	CreatedVersion int64           `json:"created_version"`
	UpdatedVersion int64           `json:"updated_version"`
}

// UpNextEntry is one position of the up-next index.
type UpNextEntry struct {
	CardID   string `json:"card_id"`
	Priority int    `json:"priority"`
}

// Card looks a card up by id.
func (s Snapshot) Card(id string) (Card, bool) {
	for _, card := range s.Cards {
		if card.ID == id {
			return card, true
		}
	}
	return Card{}, false
}

// Action is one client intent.
type Action struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CardID         string          `json:"card_id,omitempty"`
}

// CreateCanvasRequest describes a new canvas. CanvasID is optional.
type CreateCanvasRequest struct {
	CanvasID string   `json:"canvas_id,omitempty"`
	Purpose  string   `json:"purpose"`
	Lanes    []string `json:"lanes"`
}

// CreateCanvasResponse identifies the created canvas.
type CreateCanvasResponse struct {
	CanvasID string `json:"canvas_id"`
	Version  int64  `json:"version"`
}

// ApplyResponse is the outcome of a successful apply-action call.
type ApplyResponse struct {
	Success bool  `json:"success"`
	Version int64 `json:"version"`
}

// ProposedCard is a card envelope submitted by an agent.
type ProposedCard struct {
	Type     string          `json:"type"`
	Lane     string          `json:"lane"`
	Refs     map[string]any  `json:"refs,omitempty"`
	Content  json.RawMessage `json:"content"`
	GroupID  string          `json:"group_id,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// ProposeRequest is a batch of proposed cards.
type ProposeRequest struct {
	Cards          []ProposedCard `json:"cards"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ProposeResponse lists the created card ids in request order.
type ProposeResponse struct {
	Success        bool     `json:"success"`
	Version        int64    `json:"version"`
	CreatedCardIDs []string `json:"created_card_ids"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode     int
	Code           string
	Message        string
	CurrentVersion *int64
	Body           string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type errorEnvelope struct {
	Error struct {
		Code           string `json:"code"`
		Message        string `json:"message"`
		CurrentVersion *int64 `json:"current_version"`
	} `json:"error"`
}

// CreateCanvas creates a canvas in the planning phase.
func (c *Client) CreateCanvas(ctx context.Context, request CreateCanvasRequest) (CreateCanvasResponse, error) {
	var resp CreateCanvasResponse
	err := c.do(ctx, http.MethodPost, "canvases", request, &resp)
	return resp, err
}

// ApplyAction submits one action against expectedVersion.
func (c *Client) ApplyAction(ctx context.Context, canvasID string, expectedVersion int64, action Action) (ApplyResponse, error) {
	body := map[string]any{
		"expected_version": expectedVersion,
		"action":           action,
	}
	var resp ApplyResponse
	err := c.do(ctx, http.MethodPost, canvasPath(canvasID, "actions"), body, &resp)
	return resp, err
}

// ProposeCards appends proposed cards. Requires an agent token.
func (c *Client) ProposeCards(ctx context.Context, canvasID string, request ProposeRequest) (ProposeResponse, error) {
	var resp ProposeResponse
	err := c.do(ctx, http.MethodPost, canvasPath(canvasID, "cards"), request, &resp)
	return resp, err
}

// Snapshot fetches the current snapshot.
func (c *Client) Snapshot(ctx context.Context, canvasID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, canvasPath(canvasID, "snapshot"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope errorEnvelope
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.CurrentVersion = envelope.Error.CurrentVersion
	}
	return apiErr
}

func canvasPath(canvasID, suffix string) string {
	return fmt.Sprintf("canvases/%s/%s", url.PathEscape(canvasID), suffix)
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
