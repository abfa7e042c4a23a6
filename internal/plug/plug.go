package plug

import (
	"context"
	"errors"
)

// ErrOffline means the plug did not answer within the request timeout. The
// caller treats the physical state as unknown.
var ErrOffline = errors.New("plug: device offline")

// DeviceInfo is what discovery learns about a plug before it has a role.
type DeviceInfo struct {
	IP    string
	MAC   string
	Model string
}

// Client talks to smart plugs over the network. Every call is a full round
// trip; implementations never cache state.
type Client interface {
	// SetState switches the relay and confirms the new state with a read
	// back. It returns only after the plug has acknowledged.
	SetState(ctx context.Context, ip string, on bool) error

	// GetState reads the current relay state.
	GetState(ctx context.Context, ip string) (bool, error)

	// Discover probes the configured subnet and returns every plug that
	// answered an identify request.
	Discover(ctx context.Context) ([]DeviceInfo, error)
}
