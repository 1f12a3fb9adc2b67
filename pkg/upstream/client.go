// Package upstream defines the capability surface of the external messaging
// network and provides the Telegram implementation of it. The rest of the
// relay depends only on the interfaces here.
package upstream

import "context"

// Credentials authenticate one session against the upstream network. Session
// is an opaque token minted by a previous interactive login.
type Credentials struct {
	AppID   int
	AppHash string
	Session string
}

// PeerKind classifies the source of a raw upstream message.
type PeerKind int

const (
	PeerNone PeerKind = iota
	PeerUser
	PeerChat
	PeerChannel
)

// Message is a raw upstream message before normalization.
type Message struct {
	ID      int
	Text    string
	Date    int64
	Private bool
	Peer    PeerKind
	PeerID  int64
}

// ChannelMeta is the metadata resolved for a channel identifier.
type ChannelMeta struct {
	ID    int64
	About string
}

// Client is one live authenticated connection. Implementations carry a single
// handler slot for push events; OnMessage replaces any previous handler.
type Client interface {
	Send(ctx context.Context, recipient, text string) error
	History(ctx context.Context, channel string, limit int) ([]Message, error)
	ResolveChannel(ctx context.Context, channel string) (ChannelMeta, error)
	OnMessage(fn func(Message))
	Close(ctx context.Context) error
}

// Dialer establishes new upstream connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Client, error)
}
