package model

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region errors

var (
	// ErrModelUnavailable reports that a collaborator could not be reached
	// or refused the call.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidProbability reports a probability outside [0, 1] or NaN in
	// a collaborator reply.
	ErrInvalidProbability = errors.New("invalid probability")

	// ErrBudgetExceeded reports that a round plan could not fit the compute
	// budget even at the minimum speculation length.
	ErrBudgetExceeded = errors.New("round budget exceeded")
)

// Transient reports whether an error is worth retrying with backoff.
// Unavailable, deadline and resource-exhaustion statuses are transient;
// everything else, including invalid replies, is permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrModelUnavailable) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
	}
	return false
}

// #endregion errors
