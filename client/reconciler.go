package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingTransport = errors.New("reconciler: transport is required")
	errMissingCanvasID  = errors.New("reconciler: canvas id is required")
	errStreamEnded      = errors.New("reconciler: snapshot stream ended before the expected version")
)

// Transport is the slice of the API the reconciler needs. *Client satisfies it.
type Transport interface {
	ApplyAction(ctx context.Context, canvasID string, expectedVersion int64, action Action) (ApplyResponse, error)
	Snapshot(ctx context.Context, canvasID string) (Snapshot, error)
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Transport      Transport
	CanvasID       string
	InitialVersion int64
	KeyGenerator   func() string
	Logger         *zap.Logger
}

// Reconciler submits actions against the last version it has seen and retries exactly
// once, with the same idempotency key, when the canvas has moved on.
type Reconciler struct {
	transport Transport
	canvasID  string
	newKey    func() string
	logger    *zap.Logger

	mu               sync.Mutex
	lastKnownVersion int64
}

// ConflictError is returned when the retry after a stale-version rejection is also stale:
// another writer keeps winning and the caller should refresh its view before deciding again.
type ConflictError struct {
	CanvasID        string
	ActionType      string
	IdempotencyKey  string
	ExpectedVersion int64
	CurrentVersion  int64
	Err             error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"canvas %s changed again while retrying %s (expected version %d, now %d); refresh the canvas and resubmit",
		e.CanvasID, e.ActionType, e.ExpectedVersion, e.CurrentVersion,
	)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewReconciler validates the configuration.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.CanvasID == "" {
		return nil, errMissingCanvasID
	}
	newKey := cfg.KeyGenerator
	if newKey == nil {
		newKey = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		transport:        cfg.Transport,
		canvasID:         cfg.CanvasID,
		newKey:           newKey,
		logger:           logger.With(zap.String("canvas_id", cfg.CanvasID)),
		lastKnownVersion: cfg.InitialVersion,
	}, nil
}

// LastKnownVersion returns the highest version observed so far.
func (r *Reconciler) LastKnownVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnownVersion
}

// Observe records a version seen in a snapshot or a response. Older versions are ignored.
func (r *Reconciler) Observe(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.lastKnownVersion {
		r.lastKnownVersion = version
	}
}

// Submit applies action at the last known version. On STALE_VERSION it refreshes the
// version and retries once with the same idempotency key; other errors are returned as is.
func (r *Reconciler) Submit(ctx context.Context, action Action) (ApplyResponse, error) {
	if action.IdempotencyKey == "" {
		action.IdempotencyKey = r.newKey()
	}
	expected := r.LastKnownVersion()
	resp, err := r.transport.ApplyAction(ctx, r.canvasID, expected, action)
	if err == nil {
		r.Observe(resp.Version)
		return resp, nil
	}
	if !IsCode(err, CodeStaleVersion) {
		return ApplyResponse{}, err
	}

	refreshed, err := r.refresh(ctx, err)
	if err != nil {
		return ApplyResponse{}, err
	}
	r.logger.Debug("retrying stale action",
		zap.String("action_type", action.Type),
		zap.Int64("expected_version", expected),
		zap.Int64("refreshed_version", refreshed),
	)

	resp, err = r.transport.ApplyAction(ctx, r.canvasID, refreshed, action)
	if err == nil {
		r.Observe(resp.Version)
		return resp, nil
	}
	if IsCode(err, CodeStaleVersion) {
		current, _ := staleCurrentVersion(err)
		r.Observe(current)
		return ApplyResponse{}, &ConflictError{
			CanvasID:        r.canvasID,
			ActionType:      action.Type,
			IdempotencyKey:  action.IdempotencyKey,
			ExpectedVersion: refreshed,
			CurrentVersion:  current,
			Err:             err,
		}
	}
	return ApplyResponse{}, err
}

// refresh prefers the version carried by the stale error and falls back to a snapshot fetch.
func (r *Reconciler) refresh(ctx context.Context, staleErr error) (int64, error) {
	if current, ok := staleCurrentVersion(staleErr); ok {
		r.Observe(current)
		return current, nil
	}
	snapshot, err := r.transport.Snapshot(ctx, r.canvasID)
	if err != nil {
		return 0, err
	}
	r.Observe(snapshot.Version)
	return snapshot.Version, nil
}

// WaitForVersion reads snapshots until one at or above version arrives. Earlier snapshots
// are treated as provisional and skipped.
func (r *Reconciler) WaitForVersion(ctx context.Context, snapshots <-chan Snapshot, version int64) (Snapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case snapshot, ok := <-snapshots:
			if !ok {
				return Snapshot{}, errStreamEnded
			}
			r.Observe(snapshot.Version)
			if snapshot.Version >= version {
				return snapshot, nil
			}
		}
	}
}

func staleCurrentVersion(err error) (int64, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.CurrentVersion != nil {
		return *apiErr.CurrentVersion, true
	}
	return 0, false
}
