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
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/health"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/transport"
)

// SecurityReport combines the auth guard and key registry reports.
type SecurityReport struct {
	Auth *authguard.SecurityReport `json:"auth"`
	Keys *keymanager.AuditReport   `json:"keys"`
}

// StrengthRequest is the body of POST /v1/passwords/strength.
type StrengthRequest struct {
	Password    string `json:"password"`
	CheckBreach bool   `json:"check_breach"`
}

// StrengthResponse reports strength and, when requested, breach status.
type StrengthResponse struct {
	authguard.StrengthResult
	Breach *authguard.BreachResult `json:"breach,omitempty"`
}

// CSPRequest is the body of POST /v1/csp/validate.
type CSPRequest struct {
	Header string `json:"header"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.app.Health.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, report, status)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &keymanager.Filter{
		Purpose: keymanager.Purpose(q.Get("purpose")),
		Status:  keymanager.Status(q.Get("status")),
	}
	if filter.Purpose != "" && !filter.Purpose.Valid() {
		s.handleError(w, r, secerr.InvalidArgument("server.listKeys", "unknown purpose %q", filter.Purpose))
		return
	}
	switch filter.Status {
	case "", keymanager.StatusActive, keymanager.StatusInactive, keymanager.StatusCompromised:
	default:
		s.handleError(w, r, secerr.InvalidArgument("server.listKeys", "unknown status %q", filter.Status))
		return
	}
	writeJSON(w, s.app.Keys.ListKeys(filter), http.StatusOK)
}

func (s *Server) handleValidateKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.app.Keys.ValidateConfiguration(), http.StatusOK)
}

func (s *Server) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	auth, err := s.app.Guard.GetSecurityReport()
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, SecurityReport{Auth: auth, Keys: s.app.Keys.AuditReport()}, http.StatusOK)
}

func (s *Server) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req StrengthRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Password == "" {
		s.handleError(w, r, secerr.InvalidArgument("server.passwordStrength", "password is required"))
		return
	}

	resp := StrengthResponse{StrengthResult: s.app.Guard.ValidateStrength(req.Password)}
	if req.CheckBreach {
		res, err := s.app.Guard.CheckBreach(r.Context(), req.Password)
		if secerr.KindOf(err) == secerr.KindConfigurationError {
			s.writeError(w, r, err, http.StatusBadRequest)
			return
		}
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		resp.Breach = &res
	}
	writeJSON(w, resp, http.StatusOK)
}

// handleValidateCSP accepts either a JSON CSPRequest or the raw header as
// text/plain.
func (s *Server) handleValidateCSP(w http.ResponseWriter, r *http.Request) {
	var header string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes)); err != nil {
			s.writeError(w, r, errBadRequest, http.StatusBadRequest)
			return
		}
		header = buf.String()
	} else {
		var req CSPRequest
		if !s.decode(w, r, &req) {
			return
		}
		header = req.Header
	}
	writeJSON(w, transport.ValidateCSP(header), http.StatusOK)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, errBadRequest, http.StatusBadRequest)
		return false
	}
	return true
}
