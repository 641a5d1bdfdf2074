package api

import (
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/sectorsync/internal/auth"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// toStatus maps core errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	var (
		te *syncerr.TransportError
		sf *syncerr.SendFailure
		ff *syncerr.FetchFailure
		me *syncerr.MalformedEnvelope
	)
	switch {
	case errors.Is(err, syncerr.ErrNotConnected),
		errors.Is(err, syncerr.ErrNoConversation),
		errors.Is(err, auth.ErrNoSector):
		return codes.FailedPrecondition
	case errors.Is(err, auth.ErrNoCredential), errors.Is(err, auth.ErrExpired):
		return codes.Unauthenticated
	case errors.As(err, &te), errors.As(err, &sf), errors.As(err, &ff):
		return codes.Unavailable
	case errors.As(err, &me):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
