package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// Login runs the interactive first-time authentication flow (phone number,
// one-time code, optional 2FA password) and returns the minted session token.
// This is the only place the relay talks to the user; steady-state operation
// authenticates with the token alone.
func Login(ctx context.Context, appID int, appHash string, prompt func(label string) (string, error)) (string, error) {
	storage := &tokenStorage{}
	client := telegram.NewClient(appID, appHash, telegram.Options{
		SessionStorage: storage,
	})

	err := client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(promptAuthenticator{prompt: prompt}, auth.SendCodeOptions{})
		return client.Auth().IfNecessary(ctx, flow)
	})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	token := storage.Token()
	if token == "" {
		return "", errors.New("login: no session was stored")
	}
	return token, nil
}

type promptAuthenticator struct {
	prompt func(label string) (string, error)
}

func (a promptAuthenticator) Phone(_ context.Context) (string, error) {
	return a.prompt("Please enter your number: ")
}

func (a promptAuthenticator) Password(_ context.Context) (string, error) {
	return a.prompt("Please enter your password: ")
}

func (a promptAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.prompt("Please enter the code you received: ")
}

func (a promptAuthenticator) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (a promptAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("signing up new accounts is not supported")
}
