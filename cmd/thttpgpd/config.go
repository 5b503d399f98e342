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

package main

import (
	libmap "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"thttpgpd/corehttpd"
)

// AppConfig is the process-wide configuration surface: one or more virtual
// servers (each its own corehttpd.ServerConfig plus the domain-stack
// options this entrypoint wires in), the shared keyring/signing material,
// and the optional metrics listener address.
type AppConfig struct {
	Servers []SiteConfig `mapstructure:"servers"`

	KeyringFile    string `mapstructure:"keyring_file"`
	SigningKeyFile string `mapstructure:"signing_key_file"`
	SigningKeyPass string `mapstructure:"signing_key_pass"`

	MetricsListen string `mapstructure:"metrics_listen"`
}

// SiteConfig pairs one corehttpd.ServerConfig with the handler wiring for
// that site: document root, FastCGI upstream, and whether it exposes the
// HKP endpoints.
type SiteConfig struct {
	corehttpd.ServerConfig `mapstructure:",squash"`

	DocRoot   string `mapstructure:"doc_root"`
	EnablePKS bool   `mapstructure:"enable_pks"`
}

func loadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg AppConfig
	decodeHook := libmap.ComposeDecodeHookFunc(
		libmap.TextUnmarshallerHookFunc(),
		libmap.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, err
	}

	for i := range cfg.Servers {
		def := corehttpd.DefaultServerConfig()
		if cfg.Servers[i].MaxConnects == 0 {
			cfg.Servers[i].MaxConnects = def.MaxConnects
		}
		if cfg.Servers[i].ReadBufCap == 0 {
			cfg.Servers[i].ReadBufCap = def.ReadBufCap
		}
		if cfg.Servers[i].ReadBufGrow == 0 {
			cfg.Servers[i].ReadBufGrow = def.ReadBufGrow
		}
		if cfg.Servers[i].PidMax == 0 {
			cfg.Servers[i].PidMin = def.PidMin
			cfg.Servers[i].PidMax = def.PidMax
		}
		if cfg.Servers[i].IdleReadTimeLimit == 0 {
			cfg.Servers[i].IdleReadTimeLimit = def.IdleReadTimeLimit
		}
		if cfg.Servers[i].IdleSendTimeLimit == 0 {
			cfg.Servers[i].IdleSendTimeLimit = def.IdleSendTimeLimit
		}
		if cfg.Servers[i].LingerTime == 0 {
			cfg.Servers[i].LingerTime = def.LingerTime
		}
		if cfg.Servers[i].ThrottleTime == 0 {
			cfg.Servers[i].ThrottleTime = def.ThrottleTime
		}
		if cfg.Servers[i].OccasionalTime == 0 {
			cfg.Servers[i].OccasionalTime = def.OccasionalTime
		}
		if cfg.Servers[i].MinWouldblockDelay == 0 {
			cfg.Servers[i].MinWouldblockDelay = def.MinWouldblockDelay
		}
		if cfg.Servers[i].IdleSweepInterval == 0 {
			cfg.Servers[i].IdleSweepInterval = def.IdleSweepInterval
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics_listen", "")
}
