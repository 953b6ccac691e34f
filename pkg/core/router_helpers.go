package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/manager"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, v any, status int) {
	payload, err := codec.JSONStrict.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.JSONStrict.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// readJSON strictly decodes the request body into v.
func readJSON(r *http.Request, v any) error {
	if err := codec.DecodeStrict(http.MaxBytesReader(nil, r.Body, maxBody), v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}

func statusOf(err error) int {
	var se *session.StartError
	switch {
	case errors.As(err, &se) && se.Stage == "capture":
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidOffer),
		errors.Is(err, unit.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, manager.ErrUnknownSolution),
		errors.Is(err, manager.ErrInvalidCamera),
		errors.Is(err, manager.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrCameraExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrServerClosed),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func withTimeout(next http.HandlerFunc, d time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}
