package channel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/avermeil/lifeline/pkg/message"
)

// Dispatcher is the Deliverer's send fabric: a registry of platform
// bridges keyed by channel name. Names are normalized on registration and
// lookup, so the channel named in a job's announce target finds its
// bridge regardless of case or stray whitespace in the config.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]Channel),
	}
}

// normalizeName is applied to every registered and looked-up name.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a platform bridge under name. Returns ErrBadChannelName
// for a name that normalizes to empty, ErrDuplicateChannel if the name
// is already taken.
func (d *Dispatcher) Register(name string, ch Channel) error {
	key := normalizeName(name)
	if key == "" {
		return ErrBadChannelName
	}
	if ch == nil {
		return fmt.Errorf("channel: nil Channel registered as %q", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.channels[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, key)
	}
	d.channels[key] = ch
	return nil
}

// Get returns the bridge registered under name, or false if none.
func (d *Dispatcher) Get(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ch, ok := d.channels[normalizeName(name)]
	return ch, ok
}

// Send routes an outbound message to the bridge named by msg.Channel.
// It returns ErrNoChannel if no bridge is registered under that name.
func (d *Dispatcher) Send(ctx context.Context, msg message.Outbound) error {
	ch, ok := d.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// Channels returns the normalized names of all registered bridges,
// sorted for stable status output.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
