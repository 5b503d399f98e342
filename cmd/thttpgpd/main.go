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

// Command thttpgpd runs the event-driven connection engine configured from
// a YAML/TOML/JSON file, plus "thttpgpd sign-worker", the interposed
// response-signing worker its own parent process execs per connection
// (see openpgp.Spawn).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"thttpgpd/corehttpd"
	"thttpgpd/fastcgi"
	"thttpgpd/logger"
	"thttpgpd/metrics"
	"thttpgpd/openpgp"
	"thttpgpd/pks"
)

const signWorkerContentType = "application/octet-stream"

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:   "thttpgpd",
		Short: "event-driven HTTP connection engine with OpenPGP key-server add-on",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "thttpgpd.yaml", "configuration file path")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	}

	root.AddCommand(signWorkerCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func signWorkerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-worker",
		Short: "interposed response-signing worker (invoked by the parent process, not by hand)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignWorker(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.New(ctx)
	logFn := func() logger.Logger { return log }

	engine, err := loadEngine(cfg)
	if err != nil {
		return err
	}

	servers := make([]corehttpd.Server, 0, len(cfg.Servers))

	for _, site := range cfg.Servers {
		site := site

		var pksHandler *pks.Handler
		if site.EnablePKS && engine != nil {
			pksHandler = pks.NewHandler(engine)
		}

		var fcgiHandler *fastcgi.Handler
		if site.FastCGIAddress != "" {
			fcgiHandler = fastcgi.NewHandler(site.FastCGIAddress, site.DocRoot, 0)
		}

		rt := newRouter(site, pksHandler, fcgiHandler, engine)

		scfg := site.ServerConfig
		srv := corehttpd.NewServer(ctx, &scfg, logFn)
		if serr := srv.Listen(rt.Handle); serr != nil {
			return serr
		}
		servers = append(servers, srv)

		log.Info("listening", site.Listen)
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsListen != "" && len(servers) > 0 {
		reg := metrics.NewRegistry(servers[0])
		metricsSrv = metrics.NewServer(cfg.MetricsListen, reg)
		go func() {
			if merr := metricsSrv.ListenAndServe(ctx); merr != nil {
				log.Error("metrics server exited", merr)
			}
		}()
	}

	for _, srv := range servers {
		<-srv.Done()
	}

	return nil
}

// runSignWorker is the child side of openpgp.Spawn: it reloads the same
// config the parent used to pick up the signing key, then blocks signing
// whatever response bodies the parent streams to it over fd 3/4 until the
// parent closes the pipe.
func runSignWorker(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	engine, err := loadEngine(cfg)
	if err != nil {
		return err
	}

	return openpgp.RunWorker(engine, signWorkerContentType)
}

// loadEngine builds the OpenPGP engine from AppConfig, or returns a nil
// engine (not an error) when no keyring is configured at all.
func loadEngine(cfg *AppConfig) (*openpgp.Engine, error) {
	if cfg.KeyringFile == "" {
		return nil, nil
	}
	return openpgp.NewEngineFromFiles(cfg.KeyringFile, cfg.SigningKeyFile, []byte(cfg.SigningKeyPass))
}
