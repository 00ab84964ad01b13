package message

// Outbound represents a message on its way out to a transport channel.
// AccountID names the channel account the message leaves through; it is
// the key the connection-recovery machinery defers deliveries by.
type Outbound struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id"`
	Chat      Chat   `json:"chat"`
	ThreadID  string `json:"thread_id,omitempty"`
	Text      string `json:"text"`
}

// NewText creates an outbound text message for the given account and chat.
func NewText(channel, accountID string, chat Chat, text string) Outbound {
	return Outbound{
		Channel:   channel,
		AccountID: accountID,
		Chat:      chat,
		Text:      text,
	}
}
