package ports

import "context"

// Renegotiator performs a full offer/answer exchange through the caller's
// signaling transport. The reconnection loop calls it once per attempt after
// a fresh backend connection has been created.
type Renegotiator interface {
	Renegotiate(ctx context.Context) error
}

// RenegotiatorFunc adapts a function to Renegotiator.
type RenegotiatorFunc func(ctx context.Context) error

func (f RenegotiatorFunc) Renegotiate(ctx context.Context) error {
	return f(ctx)
}
