package broker

import (
	"errors"
	"time"

	"github.com/celestix/gotgproto"
)

var errAuthAbandoned = errors.New("auth conversation abandoned")

// authPromptTimeout bounds how long a login waits for the user to supply a
// code or password through the control surface.
const authPromptTimeout = 5 * time.Minute

// webConversator bridges gotgproto's interactive auth flow to the HTTP
// layer: prompts block on channels fed by VerifyCode / VerifyPassword.
type webConversator struct {
	phone string

	codeCh     chan string
	passwordCh chan string
	// passwordNeeded fires once when the account requires 2FA.
	passwordNeeded chan struct{}
}

func newWebConversator(phone string) *webConversator {
	return &webConversator{
		phone:          phone,
		codeCh:         make(chan string, 1),
		passwordCh:     make(chan string, 1),
		passwordNeeded: make(chan struct{}, 1),
	}
}

func (c *webConversator) AskPhoneNumber() (string, error) {
	return c.phone, nil
}

func (c *webConversator) AskCode() (string, error) {
	select {
	case code := <-c.codeCh:
		return code, nil
	case <-time.After(authPromptTimeout):
		return "", errAuthAbandoned
	}
}

func (c *webConversator) AskPassword() (string, error) {
	select {
	case c.passwordNeeded <- struct{}{}:
	default:
	}
	select {
	case password := <-c.passwordCh:
		return password, nil
	case <-time.After(authPromptTimeout):
		return "", errAuthAbandoned
	}
}

func (c *webConversator) AuthStatus(status gotgproto.AuthStatus) {}
