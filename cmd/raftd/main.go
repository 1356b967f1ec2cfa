// Command raftd wires a single Raft instance to the status HTTP endpoint,
// the way cmd/server did for the teacher's plain log - except here the
// "log" is a full Raft-replicated one. The transport wired in here is a
// standalone, single-node loopback stand-in: a real deployment supplies its
// own Transport implementation, per spec.md 1's "transport is out of
// scope" boundary.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/statusapi"
	"github.com/mrshabel/gumraft/pkg/raft"
	"go.uber.org/zap"
)

func main() {
	var (
		id       = flag.Uint64("id", 1, "server id")
		addr     = flag.String("addr", "127.0.0.1:8300", "raft-facing advertise address")
		httpAddr = flag.String("http-addr", ":8400", "status endpoint bind address")
		dir      = flag.String("dir", "./data", "log storage directory")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	inst, err := raft.New(raft.Options{
		ID:        raft.ServerID(*id),
		Address:   *addr,
		Dir:       *dir,
		Transport: newLoopbackTransport(*addr),
		FSM:       &kvFSM{state: map[string]string{}},
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to construct raft instance", zap.Error(err))
	}

	if inst.IsLogEmpty() {
		cfg := configuration.New()
		if err := cfg.Add(*id, *addr, configuration.RoleVoter); err != nil {
			logger.Fatal("failed to build bootstrap configuration", zap.Error(err))
		}
		if err := inst.Bootstrap(cfg); err != nil {
			logger.Fatal("failed to bootstrap raft instance", zap.Error(err))
		}
	} else if err := inst.Recover(); err != nil {
		logger.Fatal("failed to recover raft instance", zap.Error(err))
	}

	stop := make(chan struct{})
	go inst.Run(stop)

	srv := statusapi.NewHTTPServer(*httpAddr, &statusAdapter{inst})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	done := make(chan error, 1)
	inst.Close(func(err error) { done <- err })
	if err := <-done; err != nil {
		logger.Error("raft shutdown reported an error", zap.Error(err))
	}
}

// statusAdapter bridges pkg/raft's typed accessors to statusapi.Instance's
// plain-uint64 interface, so statusapi never has to import pkg/raft.
type statusAdapter struct {
	r *raft.Raft
}

func (a *statusAdapter) State() statusapi.StateStringer { return a.r.State() }
func (a *statusAdapter) LeaderID() uint64               { return uint64(a.r.LeaderID()) }
func (a *statusAdapter) CurrentTerm() uint64            { return a.r.CurrentTerm() }
func (a *statusAdapter) CommitIndex() uint64            { return a.r.CommitIndex() }
