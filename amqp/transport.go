package amqp

import (
	"context"
	"time"
)

// Transport represents a concrete protocol implementation.
// Implementations must be safe for concurrent use.
type Transport interface {
	Open(ctx context.Context, endpoint string, opts ConnectionOptions) (Connection, error)
}

// ConnectionOptions configures a connection at the transport level.
type ConnectionOptions struct {
	ContainerID   string
	ApplicationID string
	IdleTimeout   time.Duration
}

// Connection is one physical connection to an endpoint. Sessions are
// multiplexed over it.
type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session begins links. Each New* call attaches a link.
type Session interface {
	NewManagementLink(ctx context.Context, opts ManagementLinkOptions) (ManagementLink, error)
	NewSender(ctx context.Context, opts SenderOptions) (SenderLink, error)
	NewReceiver(ctx context.Context, opts ReceiverOptions) (ReceiverLink, error)
	Close(ctx context.Context) error
}

type ManagementLinkOptions struct {
	ClientName string
	Token      Token
}

type SenderOptions struct {
	Target string
	Token  Token
}

type ReceiverOptions struct {
	Source     string
	Token      Token
	Start      StartPosition
	Prefetch   int32
	OwnerLevel *int64
}

// ManagementLink performs request/response calls against the $management
// node.
type ManagementLink interface {
	Call(ctx context.Context, operation string, properties map[string]any) (map[string]any, error)
	Close(ctx context.Context) error
}

type SenderLink interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

type ReceiverLink interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	Close(ctx context.Context) error
}

// Token authorizes access to a single path.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Authorizer issues path-scoped tokens over an open connection.
type Authorizer interface {
	AuthorizePath(ctx context.Context, conn Connection, path string) (Token, error)
}

type AuthorizerFunc func(ctx context.Context, conn Connection, path string) (Token, error)

func (f AuthorizerFunc) AuthorizePath(ctx context.Context, conn Connection, path string) (Token, error) {
	return f(ctx, conn, path)
}

// StartPosition selects where a receiver begins reading a partition.
// Exactly one of the selectors should be set; Latest is assumed when none is.
type StartPosition struct {
	Earliest       bool
	Latest         bool
	SequenceNumber *int64
	Offset         *string
	EnqueuedTime   *time.Time
	// Inclusive includes the event at SequenceNumber or Offset.
	Inclusive bool
}

// Message is the unit exchanged over sender and receiver links.
type Message struct {
	MessageID    string
	Body         []byte
	PartitionKey string
	Properties   map[string]any

	// Set by the broker on received messages.
	SequenceNumber int64
	Offset         string
	EnqueuedTime   time.Time
	PartitionID    string
}
