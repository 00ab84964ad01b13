package channel

import (
	"context"
	"log/slog"

	"github.com/avermeil/lifeline/internal/recovery"
	"github.com/avermeil/lifeline/pkg/message"
)

// Sender is the direct-send half of delivery; *Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, msg message.Outbound) error
}

// Deliverer is the single outbound path: every send first consults the
// recovery tracker, and only messages for accounts with a live connection
// go straight to the platform. It also translates connection lifecycle
// signals into tracker state and replays deferred messages on reconnect.
type Deliverer struct {
	tracker *recovery.Tracker
	sender  Sender
	chunk   ChunkConfig
	logger  *slog.Logger
}

// NewDeliverer wires a Deliverer. tracker may be nil, in which case every
// delivery goes straight to the sender.
func NewDeliverer(tracker *recovery.Tracker, sender Sender, chunk ChunkConfig, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		tracker: tracker,
		sender:  sender,
		chunk:   chunk,
		logger:  logger,
	}
}

// AccountKey identifies a platform account for recovery tracking.
func AccountKey(channelName, accountID string) string {
	return channelName + ":" + accountID
}

// Deliver sends one outbound message, deferring it if the target account
// is inside its recovery window. Queue failure falls through to a direct
// send so an expiry race never drops the message.
func (d *Deliverer) Deliver(ctx context.Context, msg message.Outbound) error {
	for _, part := range SplitMessage(msg, d.chunk) {
		if d.tracker != nil && d.tracker.QueueDelivery(AccountKey(part.Channel, part.AccountID), part) {
			d.logger.Debug("delivery deferred, account recovering",
				"channel", part.Channel,
				"account", part.AccountID,
			)
			continue
		}
		if err := d.sender.Send(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionClosed is the platform "connection lost" signal. It opens the
// account's recovery window and registers the replay path for when the
// connection returns.
func (d *Deliverer) ConnectionClosed(channelName, accountID string) {
	if d.tracker == nil {
		return
	}
	key := AccountKey(channelName, accountID)
	d.tracker.SetFlushHandler(key, d.replay)
	d.tracker.OnConnectionClosed(key)
}

// ConnectionOpened is the platform "connection back" signal. Deferred
// messages replay in their original order.
func (d *Deliverer) ConnectionOpened(ctx context.Context, channelName, accountID string) {
	if d.tracker == nil {
		return
	}
	key := AccountKey(channelName, accountID)
	count, err := d.tracker.OnConnectionOpened(ctx, key)
	if err != nil {
		d.logger.Error("replaying deferred deliveries failed",
			"channel", channelName,
			"account", accountID,
			"count", count,
			"error", err,
		)
	}
}

// replay is the tracker flush handler: straight sends, in order, stopping
// at the first failure.
func (d *Deliverer) replay(ctx context.Context, queued []message.Outbound) error {
	for _, msg := range queued {
		if err := d.sender.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
