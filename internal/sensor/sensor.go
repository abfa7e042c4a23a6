package sensor

import (
	"context"
	"errors"

	"github.com/mattvenn/chamber-controller/internal/model"
)

// ErrUnavailable means no fresh reading could be produced. Control logic
// treats the cycle's measurement as missing and skips actuation decisions
// that need one.
var ErrUnavailable = errors.New("sensor: reading unavailable")

// Source produces environment measurements. Read blocks until a reading is
// available or ctx expires.
type Source interface {
	Read(ctx context.Context) (*model.Measurement, error)
	Close() error
}
