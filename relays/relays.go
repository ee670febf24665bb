// Package relays maintains connections to a set of Nostr relays and
// exposes query/publish primitives to the wallet. Connections are opened
// lazily and re-dialed after failures.
package relays

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var ErrNoRelays = errors.New("no relays accepted the event")

type Pool struct {
	urls   []string
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

func NewPool(urls []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		urls:   urls,
		logger: logger,
		relays: make(map[string]*nostr.Relay),
	}
}

func (p *Pool) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	relay, ok := p.relays[url]
	p.mu.Unlock()
	if ok && relay.IsConnected() {
		return relay, nil
	}

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.relays[url] = relay
	p.mu.Unlock()
	return relay, nil
}

// Publish sends the event to every configured relay plus any extra urls
// (e.g. a nutzap recipient's relay hints). It succeeds if at least one
// relay accepted the event.
func (p *Pool) Publish(ctx context.Context, event nostr.Event, extraRelays ...string) error {
	urls := append([]string{}, p.urls...)
	urls = append(urls, extraRelays...)

	accepted := 0
	for _, url := range urls {
		relay, err := p.relay(ctx, url)
		if err != nil {
			p.logger.Debug("could not connect to relay", "relay", url, "error", err)
			continue
		}
		if err := relay.Publish(ctx, event); err != nil {
			p.logger.Debug("relay rejected event", "relay", url, "event", event.ID, "error", err)
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return ErrNoRelays
	}
	return nil
}

// PublishWithRetry retries a failed publish with exponential backoff
// until the context is cancelled or attempts run out.
func (p *Pool) PublishWithRetry(ctx context.Context, event nostr.Event, attempts int, extraRelays ...string) error {
	backoff := time.Second
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Publish(ctx, event, extraRelays...); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Query runs the filter against every configured relay and returns the
// union of results, deduplicated by event id.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) []*nostr.Event {
	seen := make(map[string]bool)
	events := []*nostr.Event{}

	for _, url := range p.urls {
		relay, err := p.relay(ctx, url)
		if err != nil {
			p.logger.Debug("could not connect to relay", "relay", url, "error", err)
			continue
		}
		results, err := relay.QuerySync(ctx, filter)
		if err != nil {
			p.logger.Debug("relay query failed", "relay", url, "error", err)
			continue
		}
		for _, event := range results {
			if event == nil || seen[event.ID] {
				continue
			}
			seen[event.ID] = true
			events = append(events, event)
		}
	}

	return events
}

// URLs returns the configured relay urls.
func (p *Pool) URLs() []string {
	urls := make([]string, len(p.urls))
	copy(urls, p.urls)
	return urls
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, relay := range p.relays {
		relay.Close()
	}
	p.relays = make(map[string]*nostr.Relay)
}
