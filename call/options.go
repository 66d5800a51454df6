package call

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.ringline.dev/callkit/history"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/users"
)

// Defaults for the zero values of Options.
const (
	DefaultRingTimeout        = 35 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultPublishAttempts    = 3
	DefaultPublishRetryDelay  = 500 * time.Millisecond
	DefaultWriteTimeout       = 10 * time.Second
)

// An Archive keeps the history of finished calls.
type Archive interface {
	Record(ctx context.Context, entry history.Entry) error
	ListForUser(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// Options configure a Client.
type Options struct {
	// UserID is the local user.
	UserID string

	Directory signaling.Directory
	Channel   signaling.Channel
	Users     users.Directory
	Source    media.Source
	Peers     media.PeerFactory

	// Archive, if set, gets an entry for every session that ends.
	Archive Archive

	Handlers Handlers

	// RingTimeout is how long either side lets a call ring before it is missed.
	RingTimeout time.Duration
	// NegotiationTimeout is how long a session may stay connecting.
	NegotiationTimeout time.Duration
	// PublishAttempts bounds how often a failing signaling write is tried.
	PublishAttempts   int
	PublishRetryDelay time.Duration
	// WriteTimeout bounds each signaling publish attempt, and the status write and
	// archiving after a session ends.
	WriteTimeout time.Duration

	Logger golog.Logger
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = DefaultRingTimeout
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = DefaultPublishAttempts
	}
	if o.PublishRetryDelay <= 0 {
		o.PublishRetryDelay = DefaultPublishRetryDelay
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = golog.Global()
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.UserID == "":
		return errors.New("user id is required")
	case o.Directory == nil:
		return errors.New("call directory is required")
	case o.Channel == nil:
		return errors.New("signaling channel is required")
	case o.Users == nil:
		return errors.New("user directory is required")
	case o.Source == nil:
		return errors.New("media source is required")
	case o.Peers == nil:
		return errors.New("peer factory is required")
	}
	return nil
}
