// Package cluster runs several fully isolated host instances inside one
// process. Each instance gets its own keyring, storage, token services, and
// HTTP listener; the only paths between instances are the public HTTP ones
// any two network hosts would use. One instance failing to start never
// stops the others.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/glyphnet/glyphnet/authn"
	"github.com/glyphnet/glyphnet/federation"
	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/hostserver"
	"github.com/glyphnet/glyphnet/internal/logctx"
	"github.com/glyphnet/glyphnet/jwks"
	"github.com/glyphnet/glyphnet/keyring"
	"github.com/glyphnet/glyphnet/messaging"
	"github.com/glyphnet/glyphnet/storage"
	"github.com/glyphnet/glyphnet/storage/memory"
	postgresstore "github.com/glyphnet/glyphnet/storage/postgres"
	redisstore "github.com/glyphnet/glyphnet/storage/redis"
)

// retireSweepInterval is how often each instance sweeps retiring keys past
// their grace window.
const retireSweepInterval = time.Minute

// Instance is one running host.
type Instance struct {
	// Host is the instance's host identifier, with the bound port.
	Host string

	Ring      *keyring.Ring
	Publisher *jwks.Publisher
	Cache     *jwks.Cache
	Minter    *federation.Minter
	Validator *federation.Validator
	Auth      *authn.Service
	Messaging *messaging.Service
	Store     storage.Store

	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// Addr is the address the instance is listening on.
func (in *Instance) Addr() net.Addr { return in.listener.Addr() }

// Shutdown stops the instance's HTTP server and closes its storage.
func (in *Instance) Shutdown(ctx context.Context) error {
	err := in.server.Shutdown(ctx)
	if closeErr := in.Store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Result is one host's startup outcome.
type Result struct {
	Config   HostConfig
	Instance *Instance
	Err      error
}

// Cluster is the set of instances that started successfully.
type Cluster struct {
	instances []*Instance
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Instances returns the running instances in configuration order, skipping
// any that failed to start.
func (c *Cluster) Instances() []*Instance { return c.instances }

// Shutdown stops every running instance. The first error wins but shutdown
// proceeds through all of them.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.cancel()
	var first error
	for _, in := range c.instances {
		if err := in.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	c.wg.Wait()
	return first
}

// Run starts every configured host. Startup failures are isolated: each
// host's outcome is reported in its Result and a failed host never prevents
// the rest from starting.
func Run(ctx context.Context, cfg *Config, logger *slog.Logger) (*Cluster, []Result) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Cluster{cancel: cancel}
	results := make([]Result, len(cfg.Hosts))
	for i, hc := range cfg.Hosts {
		inst, err := c.start(ctx, i, hc, logger)
		results[i] = Result{Config: hc, Instance: inst, Err: err}
		if err != nil {
			logger.Error("host instance failed to start",
				slog.String("name", hc.Name),
				slog.Int("port", hc.Port),
				slog.String("err", err.Error()))
			continue
		}
		c.instances = append(c.instances, inst)
		logger.Info("host instance started",
			slog.String("host", inst.Host),
			slog.String("addr", inst.Addr().String()))
	}
	return c, results
}

func (c *Cluster) start(ctx context.Context, index int, hc HostConfig, logger *slog.Logger) (*Instance, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", hc.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", hc.Port, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	host := fedid.NormalizeHost(fmt.Sprintf("%s:%d", hc.Name, port))
	instCtx := logctx.WithHostData(ctx, &logctx.HostData{Host: host, Index: index})
	instLogger := logger.With(slog.String("host", host))

	ring, err := keyring.LoadOrGenerate(hc.KeyDir)
	if err != nil {
		ln.Close()
		return nil, err
	}

	store, err := openStore(ctx, hc.StorageDSN)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("open storage %q: %w", hc.StorageDSN, err)
	}

	publisher := jwks.NewPublisher(ring)
	cache := jwks.NewCache(jwks.WithLogger(instLogger))
	minter := federation.NewMinter(host, ring)
	validator := federation.NewValidator(host, cache)
	auth := authn.NewService(host, ring, store, authn.WithLogger(instLogger))
	remote := messaging.NewRemote(host, minter)
	msg := messaging.NewService(host, store, fedid.NewMinter(host),
		messaging.WithRemote(remote), messaging.WithLogger(instLogger))

	in := &Instance{
		Host:      host,
		Ring:      ring,
		Publisher: publisher,
		Cache:     cache,
		Minter:    minter,
		Validator: validator,
		Auth:      auth,
		Messaging: msg,
		Store:     store,
		listener:  ln,
		logger:    instLogger,
	}
	in.server = &http.Server{
		Handler:     hostserver.New(host, publisher, auth, validator, msg, instLogger),
		BaseContext: func(net.Listener) context.Context { return instCtx },
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if serveErr := in.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			instLogger.ErrorContext(instCtx, "http server exited", slog.String("err", serveErr.Error()))
		}
	}()
	go func() {
		defer c.wg.Done()
		if watchErr := ring.Watch(instCtx, instLogger); watchErr != nil && instCtx.Err() == nil {
			instLogger.WarnContext(instCtx, "key directory watch stopped", slog.String("err", watchErr.Error()))
		}
	}()
	go func() {
		defer c.wg.Done()
		in.sweepRetiredKeys(instCtx)
	}()

	return in, nil
}

func (in *Instance) sweepRetiredKeys(ctx context.Context) {
	ticker := time.NewTicker(retireSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := in.Ring.RetireExpired(); n > 0 {
				in.logger.InfoContext(ctx, "retired signing keys past grace", slog.Int("count", n))
			}
		}
	}
}

// openStore maps a DSN onto a storage backend by scheme.
func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	switch u.Scheme {
	case "memory", "":
		return memory.New(0)
	case "redis", "rediss":
		return redisstore.Open(ctx, dsn)
	case "postgres", "postgresql":
		return postgresstore.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}
