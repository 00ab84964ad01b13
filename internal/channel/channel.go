// Package channel is the outbound bridge to messaging platforms. It
// provides the Channel interface, a dispatcher that routes by channel
// name, message chunking for platform length limits, and a deliverer
// that defers sends while a platform connection is recovering.
package channel

import (
	"context"

	"github.com/avermeil/lifeline/pkg/message"
)

// Channel is one concrete platform bridge (Telegram, Discord, etc.).
// Implementations must be safe for concurrent Send calls.
type Channel interface {
	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg message.Outbound) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, msg message.Outbound) error

// Send implements Channel.
func (f ChannelFunc) Send(ctx context.Context, msg message.Outbound) error {
	return f(ctx, msg)
}
