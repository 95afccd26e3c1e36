package trackerServer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anacrolix/generics"

	"github.com/privtracker/privtracker/policy"
)

// The request was malformed.
type ProtocolError struct {
	Msg string
}

func (me *ProtocolError) Error() string {
	return me.Msg
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{fmt.Sprintf(format, args...)}
}

// The passkey didn't resolve to a user.
type AuthError struct {
	Msg string
}

func (me *AuthError) Error() string {
	return me.Msg
}

// The info hash isn't registered with the tracker.
type NotFoundError struct {
	Msg string
}

func (me *NotFoundError) Error() string {
	return me.Msg
}

type PolicyDenied = policy.Denied

// Something on the tracker's side failed. Clients only see a generic reason.
type InternalError struct {
	Op  string
	Err error
}

func (me *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", me.Op, me.Err)
}

func (me *InternalError) Unwrap() error {
	return me.Err
}

func internal(op string, err error) error {
	return &InternalError{op, err}
}

const internalFailureReason = "internal tracker error"

// How an error is presented to a client.
type Failure struct {
	Status     int
	Reason     string
	RetryAfter generics.Option[int64]
}

// Classify maps any error from the announce pipeline to a failure response. Errors outside the
// taxonomy are internal.
func Classify(err error) (f Failure) {
	var (
		protoErr    *ProtocolError
		authErr     *AuthError
		notFoundErr *NotFoundError
		denied      *PolicyDenied
	)
	switch {
	case errors.As(err, &protoErr):
		return Failure{Status: http.StatusBadRequest, Reason: protoErr.Msg}
	case errors.As(err, &authErr):
		return Failure{Status: http.StatusForbidden, Reason: authErr.Msg}
	case errors.As(err, &notFoundErr):
		return Failure{Status: http.StatusNotFound, Reason: notFoundErr.Msg}
	case errors.As(err, &denied):
		if denied.Policy == policy.RateLimitPolicy {
			return Failure{
				Status:     http.StatusTooManyRequests,
				Reason:     denied.Error(),
				RetryAfter: generics.Some(denied.RetryAfterSeconds()),
			}
		}
		return Failure{Status: http.StatusForbidden, Reason: denied.Error()}
	default:
		return Failure{Status: http.StatusInternalServerError, Reason: internalFailureReason}
	}
}
