/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics exposes the engine's USR2 stats dump as prometheus
// gauges, scraped by an optional /metrics listener alongside the main
// server. It never reaches into corehttpd's internals: it is handed a
// Source once at startup and polls it under the same registry/collector
// pattern client_golang itself favors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source is the subset of CoreContext stats metrics needs, kept narrow so
// this package never has to import corehttpd's internal state directly.
type Source interface {
	NumConnects() int64
	CGICount() int64
	ThrottleRate() float64
}

// Registry wraps a prometheus.Registry pre-populated with the gauges this
// server reports: thttpgpd_connections, thttpgpd_cgi_count,
// thttpgpd_throttle_rate.
type Registry struct {
	reg *prometheus.Registry

	connections  prometheus.GaugeFunc
	cgiCount     prometheus.GaugeFunc
	throttleRate prometheus.GaugeFunc
}

// NewRegistry builds a Registry whose gauges read live from src on every
// scrape; nothing is cached or pushed, matching how USR2 in the legacy
// design dumped current counters rather than accumulated ones.
func NewRegistry(src Source) *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.connections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "thttpgpd_connections",
		Help: "Current number of non-free connection slots.",
	}, func() float64 { return float64(src.NumConnects()) })

	r.cgiCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "thttpgpd_cgi_count",
		Help: "Current number of outstanding CGI/FastCGI/sign children.",
	}, func() float64 { return float64(src.CGICount()) })

	r.throttleRate = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "thttpgpd_throttle_rate",
		Help: "Aggregate EMA-smoothed send rate across all throttle groups, in bytes/sec.",
	}, func() float64 { return src.ThrottleRate() })

	r.reg.MustRegister(r.connections, r.cgiCount, r.throttleRate)

	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP handler
// (promhttp.HandlerFor) to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
