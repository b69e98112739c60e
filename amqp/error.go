package amqp

import (
	"fmt"
	"net/http"
)

// Condition is a symbolic AMQP error condition.
type Condition string

const (
	ConditionInternalError         Condition = "amqp:internal-error"
	ConditionNotFound              Condition = "amqp:not-found"
	ConditionUnauthorizedAccess    Condition = "amqp:unauthorized-access"
	ConditionDecodeError           Condition = "amqp:decode-error"
	ConditionResourceLimitExceeded Condition = "amqp:resource-limit-exceeded"
	ConditionNotAllowed            Condition = "amqp:not-allowed"
	ConditionInvalidField          Condition = "amqp:invalid-field"
	ConditionNotImplemented        Condition = "amqp:not-implemented"
	ConditionResourceLocked        Condition = "amqp:resource-locked"
	ConditionPreconditionFailed    Condition = "amqp:precondition-failed"
	ConditionResourceDeleted       Condition = "amqp:resource-deleted"
	ConditionIllegalState          Condition = "amqp:illegal-state"
	ConditionFrameSizeTooSmall     Condition = "amqp:frame-size-too-small"

	ConditionConnectionForced   Condition = "amqp:connection:forced"
	ConditionFramingError       Condition = "amqp:connection:framing-error"
	ConditionConnectionRedirect Condition = "amqp:connection:redirect"

	ConditionSessionWindowViolation Condition = "amqp:session:window-violation"
	ConditionSessionErrantLink      Condition = "amqp:session:errant-link"

	ConditionLinkDetachForced      Condition = "amqp:link:detach-forced"
	ConditionLinkStolen            Condition = "amqp:link:stolen"
	ConditionMessageSizeExceeded   Condition = "amqp:link:message-size-exceeded"
	ConditionTransferLimitExceeded Condition = "amqp:link:transfer-limit-exceeded"
	ConditionLinkRedirect          Condition = "amqp:link:redirect"

	ConditionServerBusy         Condition = "com.microsoft:server-busy"
	ConditionTimeout            Condition = "com.microsoft:timeout"
	ConditionOperationCancelled Condition = "com.microsoft:operation-cancelled"
	ConditionArgumentError      Condition = "com.microsoft:argument-error"
	ConditionEntityDisabled     Condition = "com.microsoft:entity-disabled"
)

// Error is the failure type produced by transports. Condition and
// StatusCode are set where the error is constructed so that retry
// classification never needs to inspect concrete transport types.
type Error struct {
	Condition   Condition
	Description string
	// StatusCode is the HTTP-equivalent status carried by management
	// responses. Zero when the error did not come with a status.
	StatusCode int
	Info       map[string]any
}

// NewDescribedError builds an error for a detach/close frame carrying a
// condition.
func NewDescribedError(condition Condition, description string, info map[string]any) *Error {
	return &Error{
		Condition:   condition,
		Description: description,
		Info:        info,
	}
}

// NewManagementError builds an error for a non-2xx management response.
func NewManagementError(statusCode int, description string) *Error {
	return &Error{
		StatusCode:  statusCode,
		Description: description,
	}
}

func (e *Error) Error() string {
	switch {
	case e.Condition != "" && e.StatusCode != 0:
		return fmt.Sprintf("amqp error %s (status %d): %s", e.Condition, e.StatusCode, e.Description)
	case e.Condition != "":
		return fmt.Sprintf("amqp error %s: %s", e.Condition, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("amqp management error %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Description)
	default:
		return "amqp error: " + e.Description
	}
}
