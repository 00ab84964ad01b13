package channel

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/avermeil/lifeline/pkg/message"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []message.Outbound
	err  error
}

func (c *recordingChannel) Send(_ context.Context, msg message.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return c.err
}

func (c *recordingChannel) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Text)
	}
	return out
}

func TestDispatcherRegisterAndSend(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	telegram := &recordingChannel{}
	if err := d.Register("telegram", telegram); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register("telegram", &recordingChannel{}); !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("duplicate Register = %v, want ErrDuplicateChannel", err)
	}

	msg := message.NewText("telegram", "acct-1", message.Chat{ID: "c1", Type: message.ChatDM}, "hi")
	if err := d.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := telegram.sentTexts(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("sent = %v", got)
	}
}

func TestDispatcherUnknownChannel(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	msg := message.NewText("discord", "acct-1", message.Chat{ID: "c1", Type: message.ChatDM}, "hi")
	if err := d.Send(context.Background(), msg); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("Send = %v, want ErrNoChannel", err)
	}
}

func TestDispatcherNormalizesNames(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	telegram := &recordingChannel{}
	if err := d.Register(" Telegram ", telegram); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// An announce target written as "telegram" must find the bridge
	// registered as "Telegram".
	msg := message.NewText("telegram", "acct-1", message.Chat{ID: "c1", Type: message.ChatDM}, "hi")
	if err := d.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := d.Get("TELEGRAM"); !ok {
		t.Fatal("Get must be case-insensitive")
	}
	if err := d.Register("TELEGRAM", &recordingChannel{}); !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("case-variant Register = %v, want ErrDuplicateChannel", err)
	}
}

func TestDispatcherRejectsBadRegistration(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	if err := d.Register("  ", &recordingChannel{}); !errors.Is(err, ErrBadChannelName) {
		t.Fatalf("blank-name Register = %v, want ErrBadChannelName", err)
	}
	if err := d.Register("telegram", nil); err == nil {
		t.Fatal("nil channel Register must fail")
	}
}

func TestDispatcherChannels(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	for _, name := range []string{"Telegram", "discord"} {
		if err := d.Register(name, &recordingChannel{}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if names := d.Channels(); !slices.Equal(names, []string{"discord", "telegram"}) {
		t.Fatalf("Channels = %v, want normalized sorted names", names)
	}
}
