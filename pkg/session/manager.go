package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/relayhq/tgrelay/pkg/relay"
	"github.com/relayhq/tgrelay/pkg/upstream"
)

// DefaultHistoryLimit is used when a fetch request carries no usable limit.
const DefaultHistoryLimit = 100

// Manager is the registry of upstream sessions, keyed by owner id. Connect
// and disconnect for the same owner are mutually exclusive: a replacement
// connect fully tears the old session down before dialing.
type Manager struct {
	dialer       upstream.Dialer
	historyLimit int

	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[string]*sync.Mutex
}

// NewManager creates a session manager dialing through the given dialer.
func NewManager(dialer upstream.Dialer) *Manager {
	return &Manager{
		dialer:       dialer,
		historyLimit: DefaultHistoryLimit,
		sessions:     make(map[string]*Session),
		owners:       make(map[string]*sync.Mutex),
	}
}

// SetHistoryLimit overrides the default history fetch limit.
func (m *Manager) SetHistoryLimit(limit int) {
	if limit > 0 {
		m.historyLimit = limit
	}
}

// Get returns the owner's current session, nil if none.
func (m *Manager) Get(owner string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[owner]
}

func (m *Manager) ownerLock(owner string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.owners[owner]
	if !ok {
		l = &sync.Mutex{}
		m.owners[owner] = l
	}
	return l
}

// Connect validates the credentials, disconnects any live session for the
// owner, and dials a new one. The returned session is connected and not
// subscribed. Validation failures never reach the upstream.
func (m *Manager) Connect(ctx context.Context, owner string, creds upstream.Credentials) (*Session, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	lock := m.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	if old := m.Get(owner); old != nil {
		// The old connection must be gone before the new dial begins,
		// otherwise two live upstream sockets share one owner slot.
		if err := m.teardown(ctx, old); err != nil {
			log.Printf("session %s: disconnect before replace: %v", owner, err)
		}
	}

	s := &Session{owner: owner, state: StateConnecting}
	m.mu.Lock()
	m.sessions[owner] = s
	m.mu.Unlock()

	client, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		m.unregister(s)
		if errors.Is(err, relay.ErrInvalidCredentials) || errors.Is(err, relay.ErrConnectFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrConnectFailed, err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.client = client
	s.mu.Unlock()
	return s, nil
}

// Disconnect tears the session down. It is idempotent: a nil or already
// disconnected session is a no-op.
func (m *Manager) Disconnect(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	lock := m.ownerLock(s.owner)
	lock.Lock()
	defer lock.Unlock()
	return m.teardown(ctx, s)
}

// teardown is Disconnect without the owner lock; callers hold it.
func (m *Manager) teardown(ctx context.Context, s *Session) error {
	s.mu.Lock()
	client := s.client
	already := s.state == StateDisconnected
	s.state = StateDisconnected
	s.subscribed = false
	s.client = nil
	s.mu.Unlock()

	m.unregister(s)

	if already || client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	return nil
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	if m.sessions[s.owner] == s {
		delete(m.sessions, s.owner)
	}
	m.mu.Unlock()
}

// Send forwards one outgoing message through the session.
func (m *Manager) Send(ctx context.Context, s *Session, msg relay.OutgoingMessage) error {
	client := s.liveClient()
	if client == nil {
		return relay.ErrUpstreamUnavailable
	}
	if err := client.Send(ctx, msg.Recipient, msg.Message); err != nil {
		if errors.Is(err, relay.ErrDeliveryFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", relay.ErrDeliveryFailed, err)
	}
	return nil
}

// FetchHistory resolves the channel once and returns up to limit messages,
// each tagged with the resolved channel id, in upstream order. A non-positive
// limit falls back to the configured default.
func (m *Manager) FetchHistory(ctx context.Context, s *Session, channel string, limit int) ([]relay.ChannelMessage, error) {
	client := s.liveClient()
	if client == nil {
		return nil, relay.ErrUpstreamUnavailable
	}
	if limit <= 0 {
		limit = m.historyLimit
	}

	meta, err := client.ResolveChannel(ctx, channel)
	if err != nil {
		if errors.Is(err, relay.ErrChannelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", relay.ErrChannelNotFound, channel, err)
	}

	raw, err := client.History(ctx, channel, limit)
	if err != nil {
		if errors.Is(err, relay.ErrTransport) || errors.Is(err, relay.ErrChannelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}

	out := make([]relay.ChannelMessage, 0, len(raw))
	for _, r := range raw {
		out = append(out, relay.ChannelMessage{
			ID:        r.ID,
			Text:      r.Text,
			Date:      r.Date,
			IsPrivate: r.Private,
			ChannelID: meta.ID,
		})
	}
	return out, nil
}

// FetchChannelInfo resolves channel metadata for one request.
func (m *Manager) FetchChannelInfo(ctx context.Context, s *Session, channel string) (relay.ChannelInfo, error) {
	client := s.liveClient()
	if client == nil {
		return relay.ChannelInfo{}, relay.ErrUpstreamUnavailable
	}
	meta, err := client.ResolveChannel(ctx, channel)
	if err != nil {
		if errors.Is(err, relay.ErrChannelNotFound) {
			return relay.ChannelInfo{}, err
		}
		return relay.ChannelInfo{}, fmt.Errorf("%w: %s: %v", relay.ErrChannelNotFound, channel, err)
	}
	return relay.ChannelInfo{
		URL:   "https://t.me/" + channel,
		About: meta.About,
		ID:    meta.ID,
	}, nil
}

// Subscribe registers the live-update listener for the session. It is
// idempotent: a second call on a subscribed session registers nothing.
// Events from peers that are neither channels nor chats are dropped.
func (m *Manager) Subscribe(s *Session, fn func(relay.ChannelMessage)) error {
	if s == nil {
		return relay.ErrUpstreamUnavailable
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return relay.ErrUpstreamUnavailable
	}
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = true
	client := s.client
	s.mu.Unlock()

	client.OnMessage(func(raw upstream.Message) {
		msg, ok := translate(raw)
		if !ok {
			log.Printf("session %s: dropping update from unsupported peer", s.owner)
			return
		}
		fn(msg)
	})
	return nil
}

// translate normalizes a raw upstream message. The second return is false
// when the message should be dropped.
func translate(raw upstream.Message) (relay.ChannelMessage, bool) {
	switch raw.Peer {
	case upstream.PeerChannel, upstream.PeerChat:
		return relay.ChannelMessage{
			ID:        raw.ID,
			Text:      raw.Text,
			Date:      raw.Date,
			IsPrivate: raw.Private,
			ChannelID: raw.PeerID,
		}, true
	default:
		return relay.ChannelMessage{}, false
	}
}

func validateCredentials(creds upstream.Credentials) error {
	switch {
	case creds.AppID <= 0:
		return fmt.Errorf("%w: appId must be a positive integer", relay.ErrInvalidCredentials)
	case creds.AppHash == "":
		return fmt.Errorf("%w: appHash is required", relay.ErrInvalidCredentials)
	case creds.Session == "":
		return fmt.Errorf("%w: session token is required", relay.ErrInvalidCredentials)
	}
	return nil
}
