package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
)

// Change feed event types.
const (
	EventDeleted = "deleted"
	EventUpdated = "updated"
)

// FeedEvent is one server-sent change notification.
type FeedEvent struct {
	Type string `json:"-"`
	// Kind names the resource collection: pool, job, task or file.
	Kind string `json:"kind"`
	// ID is the cache key of the changed record.
	ID string `json:"id"`
	// Params scope the record, e.g. the job of a task.
	Params map[string]string `json:"params,omitempty"`
	Raw    json.RawMessage   `json:"-"`
}

// Feed streams change events from the account's event endpoint and
// reconnects with backoff when the stream drops.
type Feed struct {
	client       *Client
	path         string
	httpClient   *http.Client
	clock        clock.Clock
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewFeed creates a feed reading path on c's endpoint.
func NewFeed(c *Client, path string) *Feed {
	return &Feed{
		client:       c,
		path:         path,
		httpClient:   &http.Client{},
		clock:        clock.RealClock{},
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Subscribe connects and returns the event channel and an error channel
// reporting connection failures. Both close when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) (<-chan FeedEvent, <-chan error) {
	events := make(chan FeedEvent, 100)
	errs := make(chan error, 1)
	go f.loop(ctx, events, errs)
	return events, errs
}

func (f *Feed) loop(ctx context.Context, events chan<- FeedEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)

	delay := f.reconnectMin
	for ctx.Err() == nil {
		connected, err := f.connect(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = f.reconnectMin
		}
		logging.Warn("change feed disconnected",
			logging.Err(err),
			logging.Duration("reconnect_in", delay))
		select {
		case errs <- err:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(delay):
		}
		delay = min(delay*2, f.reconnectMax)
	}
}

// connect reads one stream until it ends. connected reports whether the
// server accepted the stream.
func (f *Feed) connect(ctx context.Context, events chan<- FeedEvent) (connected bool, err error) {
	if err := f.client.checkToken(); err != nil {
		return false, err
	}
	u, err := f.client.resolve(f.path, nil)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	f.client.applyAuth(req)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}
	logging.Info("change feed connected", logging.String("url", u))

	if err := readEvents(ctx, bufio.NewScanner(resp.Body), events); err != nil {
		return true, err
	}
	return true, fmt.Errorf("stream closed")
}

func readEvents(ctx context.Context, scanner *bufio.Scanner, events chan<- FeedEvent) error {
	var eventType string
	var data []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				dispatch(eventType, strings.Join(data, "\n"), events)
			}
			eventType, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

func dispatch(eventType, data string, events chan<- FeedEvent) {
	ev := FeedEvent{Raw: json.RawMessage(data)}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		logging.Warn("malformed change event", logging.String("data", data), logging.Err(err))
		return
	}
	ev.Type = eventType
	if ev.Type == "" {
		ev.Type = EventUpdated
	}
	metrics.RecordFeedEvent(ev.Type)
	select {
	case events <- ev:
	default:
		logging.Debug("change event dropped, channel full", logging.String("kind", ev.Kind))
	}
}
