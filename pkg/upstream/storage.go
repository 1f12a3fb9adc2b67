package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
)

// tokenStorage adapts the opaque base64 session token to gotd's session
// storage. The upstream library re-stores the session when server salts
// rotate; the in-memory copy is enough because the relay never persists it.
type tokenStorage struct {
	mu    sync.Mutex
	token string
}

func (s *tokenStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return nil, session.ErrNotFound
	}
	data, err := base64.StdEncoding.DecodeString(s.token)
	if err != nil {
		return nil, fmt.Errorf("decode session token: %w", err)
	}
	return data, nil
}

func (s *tokenStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = base64.StdEncoding.EncodeToString(data)
	return nil
}

// Token returns the current encoded session.
func (s *tokenStorage) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
