package auth

import (
	"bytes"
	"context"
	"errors"
)

// Mechanism is one SASL mechanism offered for MQTT 5 enhanced
// authentication. Begin returns the per-connection exchange state; the
// endpoint drives it with inbound AUTH packets.
type Mechanism interface {
	// Name is the authentication method string clients put on the wire,
	// e.g. "PLAIN".
	Name() string
	Begin() Exchange
}

// Exchange is one in-progress enhanced-authentication handshake. Step
// consumes the client's authentication data and returns either a challenge
// to continue with or, on completion, the authenticated user.
type Exchange interface {
	Step(ctx context.Context, data []byte) (challenge []byte, user *User, err error)
}

// ErrSASLFailed is returned by an Exchange when the credentials do not
// verify.
var ErrSASLFailed = errors.New("auth: sasl exchange failed")

// Plain implements SASL PLAIN (RFC 4616): a single client message of
// authzid NUL authcid NUL password, verified against the user store's
// bcrypt hashes.
type Plain struct {
	Users UserStore
}

func (p *Plain) Name() string { return "PLAIN" }

func (p *Plain) Begin() Exchange { return &plainExchange{users: p.Users} }

type plainExchange struct {
	users UserStore
}

func (e *plainExchange) Step(ctx context.Context, data []byte) ([]byte, *User, error) {
	parts := bytes.SplitN(data, []byte{0}, 3)
	if len(parts) != 3 {
		return nil, nil, ErrSASLFailed
	}
	username, password := string(parts[1]), string(parts[2])
	if e.users == nil || username == "" {
		return nil, nil, ErrSASLFailed
	}
	u, err := e.users.GetUser(ctx, username)
	if err != nil || u == nil || !u.Enabled {
		return nil, nil, ErrSASLFailed
	}
	if !CheckPassword(u.PasswordHash, password) {
		return nil, nil, ErrSASLFailed
	}
	return nil, u, nil
}
