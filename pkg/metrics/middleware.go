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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMiddleware counts, times and gauges requests through promhttp's
// instrumentation. While collection is disabled requests bypass it.
func HTTPMiddleware(next http.Handler) http.Handler {
	instrumented := promhttp.InstrumentHandlerInFlight(HTTPInFlight,
		promhttp.InstrumentHandlerDuration(HTTPRequestDuration,
			promhttp.InstrumentHandlerCounter(HTTPRequestsTotal, next)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		instrumented.ServeHTTP(w, r)
	})
}
