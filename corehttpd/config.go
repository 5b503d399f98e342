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

package corehttpd

import (
	"strings"

	"github.com/go-playground/validator/v10"

	libdur "thttpgpd/duration"
	liberr "thttpgpd/errors"
)

// Option bits carried on ServerConfig.Options, mirroring the legacy
// server option bitfield.
const (
	OptNoLog uint32 = 1 << iota
	OptPKSAddMergeOnly
	OptVirtualHost
)

// ThrottleConfig is one line of the throttle file:
// "<pattern> <min>-<max>" or "<pattern> <max>".
type ThrottleConfig struct {
	Pattern  string `mapstructure:"pattern" json:"pattern" yaml:"pattern" toml:"pattern" validate:"required"`
	MinLimit int64  `mapstructure:"min_limit" json:"min_limit" yaml:"min_limit" toml:"min_limit"`
	MaxLimit int64  `mapstructure:"max_limit" json:"max_limit" yaml:"max_limit" toml:"max_limit" validate:"required,gt=0"`
}

// ServerConfig is the validated, file-backed configuration for one Server.
// Field tags follow the same convention used elsewhere in this module
// (mapstructure for viper, json/yaml/toml for the alternate encodings) so it
// can be decoded the same way httpserver.ServerConfig is.
type ServerConfig struct {
	// Name identifies this server instance in logs and stats.
	Name string `mapstructure:"name" json:"name" yaml:"name" toml:"name"`

	// Listen is the set of bind addresses: TCP (host:port), and unix
	// socket paths prefixed with "unix:". Up to 5 listeners, matching the
	// legacy design's fixed listener array.
	Listen []string `mapstructure:"listen" json:"listen" yaml:"listen" toml:"listen" validate:"required,min=1,max=5"`

	// Expose is the externally visible base URL, used to build Location
	// headers on redirect and to report in stats.
	Expose string `mapstructure:"expose" json:"expose" yaml:"expose" toml:"expose"`

	// MaxConnects bounds the connection table.
	MaxConnects int `mapstructure:"max_connects" json:"max_connects" yaml:"max_connects" toml:"max_connects" validate:"required,gt=0"`

	// ReadBufCap is the hard cap on the per-connection read buffer before a
	// 400 is emitted. Open Question (a): this value is
	// arbitrary in the legacy design (5000) and is surfaced here as config
	// rather than guessed at or silently changed.
	ReadBufCap int `mapstructure:"read_buf_cap" json:"read_buf_cap" yaml:"read_buf_cap" toml:"read_buf_cap"`

	// ReadBufGrow is the increment the read buffer grows by on each refill.
	ReadBufGrow int `mapstructure:"read_buf_grow" json:"read_buf_grow" yaml:"read_buf_grow" toml:"read_buf_grow"`

	// CGIPattern matches request paths that should be dispatched to a CGI
	// child instead of served as a static file.
	CGIPattern string `mapstructure:"cgi_pattern" json:"cgi_pattern" yaml:"cgi_pattern" toml:"cgi_pattern"`

	// CGILimit bounds concurrent CGI/sign children.
	CGILimit int `mapstructure:"cgi_limit" json:"cgi_limit" yaml:"cgi_limit" toml:"cgi_limit" validate:"gte=0"`

	// PidMin/PidMax bound the pid->slot table.
	PidMin int `mapstructure:"pid_min" json:"pid_min" yaml:"pid_min" toml:"pid_min"`
	PidMax int `mapstructure:"pid_max" json:"pid_max" yaml:"pid_max" toml:"pid_max"`

	// FastCGIAddress is the upstream dial address for FastCGI requests;
	// empty disables FastCGI dispatch.
	FastCGIAddress string `mapstructure:"fastcgi_address" json:"fastcgi_address" yaml:"fastcgi_address" toml:"fastcgi_address"`

	// SignExcludePattern marks paths exempt from response signing.
	SignExcludePattern string `mapstructure:"sign_exclude_pattern" json:"sign_exclude_pattern" yaml:"sign_exclude_pattern" toml:"sign_exclude_pattern"`

	// Throttles is the parsed throttle file.
	Throttles []ThrottleConfig `mapstructure:"throttles" json:"throttles" yaml:"throttles" toml:"throttles"`

	// Options is the server option bitfield (OptNoLog, OptPKSAddMergeOnly,
	// OptVirtualHost).
	Options uint32 `mapstructure:"options" json:"options" yaml:"options" toml:"options"`

	// LogFile, ThrottleFile and PidFile are optional filesystem paths.
	LogFile      string `mapstructure:"log_file" json:"log_file" yaml:"log_file" toml:"log_file"`
	ThrottleFile string `mapstructure:"throttle_file" json:"throttle_file" yaml:"throttle_file" toml:"throttle_file"`
	PidFile      string `mapstructure:"pid_file" json:"pid_file" yaml:"pid_file" toml:"pid_file"`

	// Timing knobs, all carried as config rather than hardcoded. The
	// libdur.Duration type (rather than plain time.Duration) gives these
	// fields the same "5d23h" day-aware parsing and json/yaml/toml/text
	// codecs the rest of the carried stack uses for durations.
	IdleReadTimeLimit  libdur.Duration `mapstructure:"idle_read_time_limit" json:"idle_read_time_limit" yaml:"idle_read_time_limit" toml:"idle_read_time_limit"`
	IdleSendTimeLimit  libdur.Duration `mapstructure:"idle_send_time_limit" json:"idle_send_time_limit" yaml:"idle_send_time_limit" toml:"idle_send_time_limit"`
	LingerTime         libdur.Duration `mapstructure:"linger_time" json:"linger_time" yaml:"linger_time" toml:"linger_time"`
	ThrottleTime       libdur.Duration `mapstructure:"throttle_time" json:"throttle_time" yaml:"throttle_time" toml:"throttle_time"`
	OccasionalTime     libdur.Duration `mapstructure:"occasional_time" json:"occasional_time" yaml:"occasional_time" toml:"occasional_time"`
	MinWouldblockDelay libdur.Duration `mapstructure:"min_wouldblock_delay" json:"min_wouldblock_delay" yaml:"min_wouldblock_delay" toml:"min_wouldblock_delay"`
	IdleSweepInterval  libdur.Duration `mapstructure:"idle_sweep_interval" json:"idle_sweep_interval" yaml:"idle_sweep_interval" toml:"idle_sweep_interval"`
}

// DefaultServerConfig mirrors the legacy thttpd defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxConnects:        256,
		ReadBufCap:         5000,
		ReadBufGrow:        1000,
		CGILimit:           32,
		PidMin:             1,
		PidMax:             1 << 22,
		IdleReadTimeLimit:  libdur.Seconds(30),
		IdleSendTimeLimit:  libdur.Seconds(30),
		LingerTime:         libdur.Seconds(5),
		ThrottleTime:       libdur.Seconds(1),
		OccasionalTime:     libdur.Seconds(60),
		MinWouldblockDelay: libdur.ParseFloat64(0.1), // 100ms
		IdleSweepInterval:  libdur.Seconds(5),
	}
}

// Clone returns a deep-enough copy for safe mutation by callers, following
// httpserver.ServerConfig.Clone's pattern.
func (c *ServerConfig) Clone() *ServerConfig {
	n := *c
	n.Listen = append([]string(nil), c.Listen...)
	n.Throttles = append([]ThrottleConfig(nil), c.Throttles...)
	n.CGIPattern = strings.TrimSpace(c.CGIPattern)
	return &n
}

// Validate runs struct tag validation, returning a registered liberr.Error
// the same way httpserver.ServerConfig.Validate does.
func (c *ServerConfig) Validate() liberr.Error {
	val := validator.New()
	err := val.Struct(c)

	if err == nil {
		return nil
	}

	if e, ok := err.(*validator.InvalidValidationError); ok {
		return ErrorConfigValidate.Error(e)
	}

	out := ErrorConfigValidate.Error(nil)

	for _, e := range err.(validator.ValidationErrors) {
		out.Add(validationFieldError(e))
	}

	if out.HasParent() {
		return out
	}

	return nil
}
