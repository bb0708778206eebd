package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const (
	eventSnapshot      = "snapshot"
	maxStreamLineBytes = 8 << 20
)

// Stream is an open snapshot subscription. Snapshots arrive in non-decreasing version
// order; the channel closes when the stream ends, after which Err reports why.
type Stream struct {
	snapshots chan Snapshot
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe opens the server-sent event stream for canvasID.
func (c *Client) Subscribe(ctx context.Context, canvasID string) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url(canvasPath(canvasID, "stream")), http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.streamHTTPClient().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, decodeAPIError(resp)
	}

	stream := &Stream{
		snapshots: make(chan Snapshot, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(stream.done)
		defer close(stream.snapshots)
		defer resp.Body.Close()
		err := readSnapshotEvents(streamCtx, bufio.NewScanner(resp.Body), stream.snapshots)
		if err == nil && streamCtx.Err() == nil {
			err = fmt.Errorf("snapshot stream ended by server")
		}
		stream.setErr(err)
	}()
	return stream, nil
}

// Snapshots returns the delivery channel.
func (s *Stream) Snapshots() <-chan Snapshot {
	return s.snapshots
}

// Err reports why the stream ended. It is nil while the stream is open or after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for the reader to exit.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (c *Client) streamHTTPClient() *http.Client {
	if c.HTTPClient == nil {
		return &http.Client{}
	}
	// Streams outlive any per-request timeout.
	return &http.Client{Transport: c.HTTPClient.Transport, Jar: c.HTTPClient.Jar}
}

// readSnapshotEvents decodes snapshot events until the body ends or ctx is done.
// Events that are not snapshots (heartbeats) are skipped.
func readSnapshotEvents(ctx context.Context, scanner *bufio.Scanner, out chan Snapshot) error {
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	var (
		event string
		data  strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == eventSnapshot && data.Len() > 0 {
				var snapshot Snapshot
				if err := json.Unmarshal([]byte(data.String()), &snapshot); err != nil {
					return fmt.Errorf("decode snapshot event: %w", err)
				}
				if !offerSnapshot(ctx, out, snapshot) {
					return nil
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// offerSnapshot keeps only the newest undelivered snapshot in out.
func offerSnapshot(ctx context.Context, out chan Snapshot, snapshot Snapshot) bool {
	for {
		select {
		case out <- snapshot:
			return true
		default:
		}
		select {
		case <-ctx.Done():
			return false
		case <-out:
		default:
		}
	}
}
