package chathub

// Client is the interface for any kind of hub member (a WebSocket connection, the Telegram notifier).
// The hub is the only writer to the send channel and the only caller of Close.
type Client interface {
	// GetUserID returns the user the connection belongs to, or "" for server-side observers.
	GetUserID() string

	// GetSendChannel returns the bounded buffer the hub enqueues encoded frames into.
	GetSendChannel() chan<- []byte

	// Run starts the client's pumps.
	Run()
	// Close shuts the client down; called exactly once by the hub when it drops the member.
	Close()
}
