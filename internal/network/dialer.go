package network

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/link"
)

// Dialer builds outbound transports by endpoint kind.
type Dialer struct {
	Logger zerolog.Logger
}

func (d Dialer) NewTransport(kind string) (link.Transport, error) {
	switch kind {
	case KindQUIC:
		return NewQUICTransport(d.Logger.With().Str("transport", KindQUIC).Logger()), nil
	case KindWS:
		return NewWSTransport(d.Logger.With().Str("transport", KindWS).Logger()), nil
	}
	return nil, errors.Wrapf(ErrEndpoint, "kind %q", kind)
}
