package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/opsconsole/remoteshell/internal/audit"
	"github.com/opsconsole/remoteshell/internal/auditsink"
	"github.com/opsconsole/remoteshell/internal/gateway"
	"github.com/opsconsole/remoteshell/internal/hoststore"
	"github.com/opsconsole/remoteshell/internal/policy"
	"github.com/opsconsole/remoteshell/internal/registry"
	"github.com/opsconsole/remoteshell/internal/secretcrypt"
	"github.com/opsconsole/remoteshell/internal/sshpool"
	"github.com/opsconsole/remoteshell/transport/wsgateway"
)

// serve wires every component and runs the websocket gateway until an
// OS shutdown signal or ctx is canceled. Grounded on
// lib/teleterm/teleterm.go's Serve: a signal.Notify select racing
// ctx.Done, then an orderly Stop of every background task.
func serve(ctx context.Context, cliCfg cliConfig, log logrus.FieldLogger) error {
	clock := clockwork.NewRealClock()

	hosts, err := hoststore.LoadFile(cliCfg.HostsFile)
	if err != nil {
		return trace.Wrap(err)
	}

	var resolve policy.Resolver = func(ctx context.Context, hostID, tenantID string) (*policy.RuleSet, *policy.RuleSet, error) {
		return nil, nil, nil
	}
	if cliCfg.RuleSetFile != "" {
		fr, err := policy.LoadRuleSetFile(cliCfg.RuleSetFile)
		if err != nil {
			return trace.Wrap(err)
		}
		resolve = fr.Resolve
	}

	evaluator, err := policy.NewEvaluator(policy.EvaluatorConfig{
		Resolve:         resolve,
		DefaultDenylist: policy.DefaultDenylist,
		Logger:          log.WithField(trace.Component, "PolicyFilter"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	key, err := cliCfg.secretKey()
	if err != nil {
		return trace.Wrap(err)
	}
	decrypter, err := secretcrypt.NewDecrypter(key)
	if err != nil {
		return trace.Wrap(err)
	}

	pool, err := sshpool.NewPool(sshpool.Config{
		Cap:            cliCfg.PoolCap,
		ReaperInterval: cliCfg.ReaperInterval,
		Clock:          clock,
		Logger:         log.WithField(trace.Component, "SSHPool"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	pool.Start()

	reg, err := registry.New(registry.Config{
		MaxSessionsPerUser: cliCfg.MaxPerUser,
		IdleTimeout:        cliCfg.IdleTimeout,
		ReaperInterval:     cliCfg.ReaperInterval,
		Clock:              clock,
		Logger:             log.WithField(trace.Component, "SessionRegistry"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	reg.Start()

	auditAdapter, err := audit.NewAdapter(audit.AdapterConfig{
		Sink:   auditsink.LogSink{Logger: log.WithField(trace.Component, "Audit")},
		Logger: log.WithField(trace.Component, "Audit"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	historyCache, err := audit.NewHistoryCache(4096, 1000, 24*time.Hour)
	if err != nil {
		return trace.Wrap(err)
	}

	facade, err := gateway.New(gateway.Config{
		Pool:     pool,
		Registry: reg,
		Policy:   evaluator,
		Audit:    auditAdapter,
		History:  historyCache,
		Hosts:    hosts,
		Secrets:  decrypter,
		Clock:    clock,
		Logger:   log.WithField(trace.Component, "Gateway"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	wsServer, err := wsgateway.New(wsgateway.Config{
		Facade:   facade,
		Registry: reg,
		Logger:   log.WithField(trace.Component, "WSGateway"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	router := httprouter.New()
	wsServer.RegisterRoutes(router)
	httpSrv := &http.Server{Addr: cliCfg.ListenAddr, Handler: router}

	serveWait := make(chan error, 1)
	go func() {
		log.WithField("addr", cliCfg.ListenAddr).Info("remoteshelld is listening.")
		serveWait <- httpSrv.ListenAndServe()
	}()

	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			log.Info("Context canceled, stopping remoteshelld.")
		case sig := <-sigC:
			log.WithField("signal", sig.String()).Info("Captured signal, stopping remoteshelld.")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
		_ = reg.Stop(shutdownCtx)
		_ = pool.Stop(shutdownCtx)
		_ = auditAdapter.Stop(shutdownCtx)
	}()

	err = <-serveWait
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err, "gateway HTTP server exited")
	}
	return nil
}
