package collective

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrWorldSizeMismatch = errors.New("collective: world size mismatch")
	ErrSessionMismatch   = errors.New("collective: session mismatch")
	ErrUnsupported       = errors.New("collective: unsupported")
	ErrInvalidID         = errors.New("collective: invalid unique id")
	ErrNotRoot           = errors.New("collective: bootstrap root not owned by this process")
	ErrClosed            = errors.New("collective: communicator closed")
)

// remoteSentinels are the errors a peer reports back with FailedPrecondition.
var remoteSentinels = []error{ErrWorldSizeMismatch, ErrSessionMismatch}

func toStatus(err error) error {
	for _, sentinel := range remoteSentinels {
		if errors.Is(err, sentinel) {
			return status.Error(codes.FailedPrecondition, err.Error())
		}
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

// fromStatus maps a peer's FailedPrecondition back onto the local sentinel.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return err
	}
	for _, sentinel := range remoteSentinels {
		if rest, found := strings.CutPrefix(st.Message(), sentinel.Error()); found {
			return fmt.Errorf("%w%s", sentinel, rest)
		}
	}
	return err
}
