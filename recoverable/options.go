package recoverable

import (
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/metrics"
	"github.com/infigaming-com/go-eventhubs/retry"
)

const defaultCloseTimeout = 30 * time.Second

// Option configures a ConnectionGuard or one of the clients built on it.
// Clients start from the options of their guard.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	recorder     metrics.Recorder
	retry        retry.Options
	classifier   retry.Classifier
	authorizer   amqp.Authorizer
	connection   amqp.ConnectionOptions
	closeTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		recorder:     metrics.Noop{},
		retry:        retry.DefaultOptions(),
		classifier:   ShouldRetry,
		closeTimeout: defaultCloseTimeout,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRetryOptions sets the retry budget for connection creation and client
// operations.
func WithRetryOptions(ro retry.Options) Option {
	return func(o *options) {
		o.retry = ro
	}
}

// WithClassifier replaces ShouldRetry for client operations. Connection
// creation always uses its own classifier.
func WithClassifier(c retry.Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithAuthorizer sets the source of link tokens. Without one, links are
// attached with an empty token.
func WithAuthorizer(a amqp.Authorizer) Option {
	return func(o *options) {
		o.authorizer = a
	}
}

func WithConnectionOptions(co amqp.ConnectionOptions) Option {
	return func(o *options) {
		o.connection = co
	}
}

// WithCloseTimeout bounds closing a connection or link that was invalidated
// in the background. Default: 30s.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}
