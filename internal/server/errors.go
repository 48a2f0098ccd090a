// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securecore.
//
// go-securecore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int    `json:"code"`
}

var (
	errUnauthorized = errors.New("unauthorized")
	errBadRequest   = errors.New("invalid request body")
)

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch secerr.KindOf(err) {
	case secerr.KindNotFound:
		return http.StatusNotFound
	case secerr.KindAuthenticationFailure:
		return http.StatusUnauthorized
	case secerr.KindIntegrityError, secerr.KindWeakCredential, secerr.KindBreachedCredential:
		return http.StatusUnprocessableEntity
	case secerr.KindRateLimited:
		return http.StatusTooManyRequests
	case secerr.KindInvalidArgument:
		return http.StatusBadRequest
	case secerr.KindAlreadyExists:
		return http.StatusConflict
	case secerr.KindExternalServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	resp := ErrorResponse{Error: err.Error(), Code: status}
	if k := secerr.KindOf(err); k != secerr.KindUnknown {
		resp.Kind = k.String()
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", logError(r, err)...)
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, resp, status)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, err, statusFor(err))
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
