package recoverable

import (
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
)

// Classification is the retry decision for a failure.
type Classification int

const (
	// Fatal errors are never retried.
	Fatal Classification = iota
	// Retryable errors are retried with backoff on the same link.
	Retryable
	// RequiresReconnect errors are retried after the link, and possibly the
	// connection, has been rebuilt.
	RequiresReconnect
)

func (c Classification) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case RequiresReconnect:
		return "requires_reconnect"
	default:
		return "fatal"
	}
}

var retryableConditions = map[amqp.Condition]bool{
	amqp.ConditionResourceLimitExceeded: true,
	amqp.ConditionServerBusy:            true,
	amqp.ConditionTimeout:               true,
	amqp.ConditionOperationCancelled:    true,
	amqp.ConditionInternalError:         true,
}

var reconnectConditions = map[amqp.Condition]bool{
	amqp.ConditionConnectionForced: true,
	amqp.ConditionFramingError:     true,
	amqp.ConditionLinkDetachForced: true,
	amqp.ConditionLinkStolen:       true,
}

// Classify inspects err at any wrap depth. Only errors of kind
// errors.KindAmqp that carry a recognizable transport cause can be retried.
func Classify(err error) Classification {
	if err == nil || errors.KindOf(err) != errors.KindAmqp {
		return Fatal
	}
	var ae *amqp.Error
	if stderrors.As(err, &ae) {
		return classifyAmqp(ae)
	}
	if isNetworkFailure(err) {
		return RequiresReconnect
	}
	return Fatal
}

// ShouldRetry is the default classifier for recoverable clients.
func ShouldRetry(err error) bool {
	return Classify(err) != Fatal
}

// shouldRetryConnection is the classifier used when opening connections.
func shouldRetryConnection(err error) bool {
	var ae *amqp.Error
	if stderrors.As(err, &ae) && ae.Condition == amqp.ConditionUnauthorizedAccess {
		return false
	}
	return Classify(err) != Fatal
}

var fatalConditions = map[amqp.Condition]bool{
	amqp.ConditionIllegalState:        true,
	amqp.ConditionNotFound:            true,
	amqp.ConditionUnauthorizedAccess:  true,
	amqp.ConditionNotAllowed:          true,
	amqp.ConditionNotImplemented:      true,
	amqp.ConditionDecodeError:         true,
	amqp.ConditionInvalidField:        true,
	amqp.ConditionArgumentError:       true,
	amqp.ConditionMessageSizeExceeded: true,
}

// classifyAmqp decides on the condition when it is a known one and falls
// back to the status code otherwise.
func classifyAmqp(ae *amqp.Error) Classification {
	switch {
	case retryableConditions[ae.Condition]:
		return Retryable
	case reconnectConditions[ae.Condition]:
		return RequiresReconnect
	case fatalConditions[ae.Condition]:
		return Fatal
	}
	return classifyStatus(ae.StatusCode)
}

func classifyStatus(code int) Classification {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Retryable
	case code >= http.StatusInternalServerError:
		return Retryable
	default:
		return Fatal
	}
}

// connectionLost reports whether err means the connection itself is dead,
// as opposed to a single link.
func connectionLost(err error) bool {
	var ae *amqp.Error
	if stderrors.As(err, &ae) {
		return ae.Condition == amqp.ConditionConnectionForced || ae.Condition == amqp.ConditionFramingError
	}
	return isNetworkFailure(err)
}

// linkFailed reports whether the link cannot be reused after err. Throttling
// and other retryable conditions leave the link attached.
func linkFailed(err error) bool {
	if errors.KindOf(err) != errors.KindAmqp {
		return false
	}
	var ae *amqp.Error
	if stderrors.As(err, &ae) {
		return ae.Condition != "" && classifyAmqp(ae) != Retryable
	}
	return isNetworkFailure(err)
}

// socketErrors end the connection they occur on.
var socketErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
}

func isNetworkFailure(err error) bool {
	for _, target := range socketErrors {
		if stderrors.Is(err, target) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
