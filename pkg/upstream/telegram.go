package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"

	"github.com/relayhq/tgrelay/pkg/relay"
)

// TelegramDialer dials Telegram over MTProto as a user client.
type TelegramDialer struct{}

// Dial connects and verifies that the supplied session token is authorized.
// The client run loop keeps going on its own goroutine until Close.
func (TelegramDialer) Dial(ctx context.Context, creds Credentials) (Client, error) {
	c := &telegramClient{}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.deliver(u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.deliver(u.Message)
		return nil
	})

	client := telegram.NewClient(creds.AppID, creds.AppHash, telegram.Options{
		SessionStorage: &tokenStorage{token: creds.Session},
		UpdateHandler:  dispatcher,
	})
	c.client = client

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- err
				return err
			}
			if !status.Authorized {
				err := fmt.Errorf("%w: session token is not authorized", relay.ErrInvalidCredentials)
				ready <- err
				return err
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		c.runErr = err
		close(c.done)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("telegram client stopped: %v", err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			if errors.Is(err, relay.ErrInvalidCredentials) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", relay.ErrConnectFailed, err)
		}
	case <-c.done:
		// Run failed before the authorization check could report, e.g. an
		// unreadable session token or a handshake failure. Surface the real
		// cause instead of sitting out the caller's deadline.
		cancel()
		err := c.runErr
		if err == nil {
			err = errors.New("client stopped before authorization")
		}
		if errors.Is(err, relay.ErrInvalidCredentials) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrConnectFailed, err)
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, fmt.Errorf("%w: %v", relay.ErrConnectFailed, ctx.Err())
	}

	return c, nil
}

type telegramClient struct {
	client *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}
	runErr error // written before done closes, read after

	mu      sync.Mutex
	handler func(Message)
}

func (c *telegramClient) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// deliver translates one pushed update into a raw Message and hands it to the
// registered handler, if any.
func (c *telegramClient) deliver(msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return
	}

	raw := Message{ID: m.ID, Text: m.Message, Date: int64(m.Date)}
	switch peer := m.PeerID.(type) {
	case *tg.PeerChannel:
		raw.Peer = PeerChannel
		raw.PeerID = peer.ChannelID
	case *tg.PeerChat:
		raw.Peer = PeerChat
		raw.PeerID = peer.ChatID
	case *tg.PeerUser:
		raw.Peer = PeerUser
		raw.PeerID = peer.UserID
		raw.Private = true
	}

	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (c *telegramClient) Send(ctx context.Context, recipient, text string) error {
	sender := message.NewSender(c.client.API())
	if _, err := sender.Resolve(recipient).Text(ctx, text); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrDeliveryFailed, err)
	}
	return nil
}

func (c *telegramClient) ResolveChannel(ctx context.Context, channel string) (ChannelMeta, error) {
	input, err := c.resolveInput(ctx, channel)
	if err != nil {
		return ChannelMeta{}, err
	}

	full, err := c.client.API().ChannelsGetFullChannel(ctx, input)
	if err != nil {
		return ChannelMeta{}, fmt.Errorf("%w: %s: %v", relay.ErrChannelNotFound, channel, err)
	}
	info, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return ChannelMeta{}, fmt.Errorf("%w: %s", relay.ErrChannelNotFound, channel)
	}
	return ChannelMeta{ID: info.ID, About: info.About}, nil
}

func (c *telegramClient) History(ctx context.Context, channel string, limit int) ([]Message, error) {
	input, err := c.resolveInput(ctx, channel)
	if err != nil {
		return nil, err
	}

	raw, err := c.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}

	var list []tg.MessageClass
	switch h := raw.(type) {
	case *tg.MessagesChannelMessages:
		list = h.Messages
	case *tg.MessagesMessagesSlice:
		list = h.Messages
	case *tg.MessagesMessages:
		list = h.Messages
	}

	out := make([]Message, 0, len(list))
	for _, mc := range list {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, Message{
			ID:     m.ID,
			Text:   m.Message,
			Date:   int64(m.Date),
			Peer:   PeerChannel,
			PeerID: input.ChannelID,
		})
	}
	return out, nil
}

func (c *telegramClient) resolveInput(ctx context.Context, channel string) (*tg.InputChannel, error) {
	resolved, err := c.client.API().ContactsResolveUsername(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", relay.ErrChannelNotFound, channel, err)
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch.AsInput(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not a channel", relay.ErrChannelNotFound, channel)
}

// Close stops the run loop and waits for the connection to go away.
func (c *telegramClient) Close(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", relay.ErrTransport, ctx.Err())
	}
}
