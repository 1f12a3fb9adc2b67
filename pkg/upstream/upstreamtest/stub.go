// Package upstreamtest provides scripted in-memory upstream fakes for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/relayhq/tgrelay/pkg/upstream"
)

// SentRecord captures one Send call.
type SentRecord struct {
	Recipient string
	Text      string
}

// Client is a scripted upstream connection. Zero value is usable; configure
// the exported fields before handing it to the code under test.
type Client struct {
	mu sync.Mutex

	Meta            upstream.ChannelMeta
	HistoryMessages []upstream.Message
	ResolveErr      error
	HistoryErr      error
	SendErr         error
	CloseErr        error

	Sent         []SentRecord
	SendCalls    int
	ResolveCalls int
	HistoryCalls int
	CloseCalls   int
	LastLimit    int

	handler     func(upstream.Message)
	handlerSets int
}

func (c *Client) Send(_ context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendCalls++
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, SentRecord{Recipient: recipient, Text: text})
	return nil
}

func (c *Client) History(_ context.Context, _ string, limit int) ([]upstream.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HistoryCalls++
	c.LastLimit = limit
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	out := make([]upstream.Message, len(c.HistoryMessages))
	copy(out, c.HistoryMessages)
	return out, nil
}

func (c *Client) ResolveChannel(_ context.Context, _ string) (upstream.ChannelMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResolveCalls++
	if c.ResolveErr != nil {
		return upstream.ChannelMeta{}, c.ResolveErr
	}
	return c.Meta, nil
}

func (c *Client) OnMessage(fn func(upstream.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	c.handlerSets++
}

func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	return c.CloseErr
}

// Emit injects one pushed upstream event into the registered handler.
func (c *Client) Emit(m upstream.Message) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// HandlerSets reports how many times OnMessage was called.
func (c *Client) HandlerSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlerSets
}

// Dialer hands out stub clients and records every dial attempt.
type Dialer struct {
	mu sync.Mutex

	Err     error
	Factory func() *Client

	Dialed []*Client
	Creds  []upstream.Credentials
}

func (d *Dialer) Dial(_ context.Context, creds upstream.Credentials) (upstream.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Creds = append(d.Creds, creds)
	if d.Err != nil {
		return nil, d.Err
	}
	c := &Client{}
	if d.Factory != nil {
		c = d.Factory()
	}
	d.Dialed = append(d.Dialed, c)
	return c, nil
}

// DialCalls reports how many dial attempts were made, failed ones included.
func (d *Dialer) DialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Creds)
}
