package rpc

import (
	"context"
	"errors"
	"strings"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/session"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinels maps the errors a forwarded call can fail with onto status codes.
// Codes may repeat; the status message disambiguates.
var sentinels = []struct {
	err  error
	code codes.Code
}{
	{session.ErrUnknownSession, codes.NotFound},
	{capability.ErrInvalidCap, codes.InvalidArgument},
	{capability.ErrInvalidDataspace, codes.OutOfRange},
	{capability.ErrRegionConflict, codes.AlreadyExists},
	{capability.ErrCapQuotaExceeded, codes.ResourceExhausted},
	{capability.ErrRAMQuotaExceeded, codes.ResourceExhausted},
}

// remoteError keeps the server's message and unwraps to the sentinel it
// carried, so errors.Is behaves as it would in process.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

// mapErr converts a server-side error into a status error.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return status.Error(s.code, err.Error())
		}
	}

	return status.Error(codes.Internal, err.Error())
}

// mapRPC converts a status error back into the sentinel it carried.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, s := range sentinels {
		if st.Code() == s.code && strings.Contains(st.Message(), s.err.Error()) {
			return &remoteError{msg: st.Message(), sentinel: s.err}
		}
	}

	return err
}
