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
	"context"
	"net"
	"strings"
	"sync/atomic"

	liberr "thttpgpd/errors"
	liblog "thttpgpd/logger"
)

// listener pairs a bound net.Listener with the raw fd the multiplexer
// watches for incoming connections.
type listener struct {
	ln  net.Listener
	fd  int
	cfg string // the original ServerConfig.Listen entry, for logs
}

// Server is the external lifecycle surface for one corehttpd engine
// instance, mirroring httpserver.Server's Listen/Restart/Shutdown shape so
// callers familiar with that package feel at home here.
type Server interface {
	GetConfig() *ServerConfig
	SetConfig(cfg *ServerConfig)

	GetName() string
	IsRunning() bool

	Listen(handler RequestHandler) liberr.Error
	Restart()
	Shutdown()

	NumConnects() int64
	CGICount() int64
	ThrottleRate() float64

	// Done returns a channel closed once the loop goroutine has exited,
	// letting a caller block on graceful-or-immediate shutdown without
	// polling IsRunning.
	Done() <-chan struct{}
}

type server struct {
	run atomic.Bool
	cfg *ServerConfig
	log liblog.FuncLog
	ctx context.Context

	core *CoreContext
	done chan struct{}
}

// NewServer builds a Server bound to cfg; it does not start listening until
// Listen is called.
func NewServer(ctx context.Context, cfg *ServerConfig, log liblog.FuncLog) Server {
	return &server{
		cfg: cfg,
		log: log,
		ctx: ctx,
	}
}

func (s *server) GetConfig() *ServerConfig { return s.cfg }

func (s *server) SetConfig(cfg *ServerConfig) { s.cfg = cfg }

func (s *server) GetName() string {
	if s.cfg.Name == "" {
		return strings.Join(s.cfg.Listen, ",")
	}
	return s.cfg.Name
}

func (s *server) IsRunning() bool { return s.run.Load() }

func (s *server) NumConnects() int64 {
	if s.core == nil {
		return 0
	}
	return s.core.NumConnects()
}

func (s *server) CGICount() int64 {
	if s.core == nil {
		return 0
	}
	return s.core.CGICount()
}

func (s *server) ThrottleRate() float64 {
	if s.core == nil {
		return 0
	}
	return s.core.ThrottleRate()
}

func (s *server) Done() <-chan struct{} {
	if s.done == nil {
		return closedChan
	}
	return s.done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Listen binds every address in cfg.Listen, builds the CoreContext and
// starts the main loop on its own goroutine.
func (s *server) Listen(handler RequestHandler) liberr.Error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	core := NewCoreContext(s.ctx, s.cfg, s.log)

	mux, err := newMultiplexer()
	if err != nil {
		return ErrorMuxInit.Error(err)
	}
	core.mux = mux

	lstns := make([]listener, 0, len(s.cfg.Listen))
	for _, addr := range s.cfg.Listen {
		network, bind := splitListenAddr(addr)

		ln, lerr := net.Listen(network, bind)
		if lerr != nil {
			return ErrorListen.Error(lerr)
		}

		lstns = append(lstns, listener{ln: ln, fd: -1, cfg: addr})
	}

	for i := range lstns {
		fd, ferr := listenerFD(lstns[i].ln)
		if ferr != nil {
			return ErrorListen.Error(ferr)
		}
		lstns[i].fd = fd

		if rerr := core.mux.Add(fd, interestRead, listenCookie(i)); rerr != nil {
			return ErrorMuxRegister.Error(rerr)
		}
	}

	core.lstn = lstns
	core.SetRequestHandler(handler)
	s.core = core

	s.done = make(chan struct{})
	s.run.Store(true)

	go func() {
		defer func() {
			s.run.Store(false)
			close(s.done)
		}()

		l := core.logger()
		if l != nil {
			l.Info("core httpd listening", s.cfg.Listen)
		}

		if rerr := core.run(); rerr != nil {
			if l != nil {
				l.Error("core httpd loop exited with error", rerr)
			}
		}
	}()

	return nil
}

// Restart asks the running core to stop gracefully and relisten with the
// current config.
func (s *server) Restart() {
	if s.core != nil {
		s.core.reload.Store(true)
	}
}

// Shutdown asks the engine to drain in-flight connections and stop
//, then waits for the loop goroutine.
func (s *server) Shutdown() {
	if s.core == nil {
		return
	}

	s.core.stopping.Store(true)
	s.core.Shutdown()

	if s.done != nil {
		<-s.done
	}
}

func splitListenAddr(addr string) (network, bind string) {
	if strings.HasPrefix(addr, "unix:") {
		return "unix", strings.TrimPrefix(addr, "unix:")
	}
	return "tcp", addr
}
