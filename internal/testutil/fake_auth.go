package testutil

import (
	"context"
	"net/http"

	gateway "github.com/modelrelay/relay/internal"
)

// FakeAuth authenticates every request as User, or fails with Err.
type FakeAuth struct {
	User *gateway.User
	Err  error
}

func (a *FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.User, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	return a.User, nil
}
