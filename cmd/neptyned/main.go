// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// neptyned is the spreadsheet server daemon: one replica of the shard
// set, serving the REST and websocket API, running tyne processes and
// their kernels, and scanning for scheduled ticks.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/ursgro/neptyne-spreadsheet-sub000/apiserver"
	"github.com/ursgro/neptyne-spreadsheet-sub000/blobstore"
	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/podpool"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
	"github.com/ursgro/neptyne-spreadsheet-sub000/shard"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tick"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tyne"
)

var logger = loggo.GetLogger("neptyne.cmd.neptyned")

func main() {
	configPath := flag.String("config", "/etc/neptyne/neptyned.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "neptyned: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(config.LoggingConfig); err != nil {
		return errors.Trace(err)
	}
	selfIndex, err := config.shardIndex()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("starting shard %d of %d", selfIndex, config.Shard.Count)

	db, err := sql.Open("sqlite3", config.DBPath+"?_foreign_keys=on")
	if err != nil {
		return errors.Annotate(err, "opening database")
	}
	defer func() { _ = db.Close() }()
	st, err := state.NewState(db)
	if err != nil {
		return errors.Annotate(err, "initialising state")
	}

	store, err := buildStore(config.Blob)
	if err != nil {
		return errors.Trace(err)
	}
	router, err := shard.NewRouter(config.Shard.Count, selfIndex, config.Shard.HostPattern)
	if err != nil {
		return errors.Trace(err)
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	kernelMetrics := kernel.NewMetrics()
	metricsRegistry.MustRegister(kernelMetrics)

	provisioner, pool, err := buildProvisioner(config.Kernel, selfIndex)
	if err != nil {
		return errors.Trace(err)
	}
	if pool != nil {
		defer stopWorker("pod pool", pool)
	}

	kernels, err := kernel.NewManager(kernel.ManagerConfig{
		Clock:       clock.WallClock,
		Provisioner: provisioner,
		Metrics:     kernelMetrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stopWorker("kernel manager", kernels)

	registry, err := tyne.NewRegistry(tyne.RegistryConfig{
		Clock:     clock.WallClock,
		Kernels:   kernels,
		Store:     store,
		State:     st,
		Hub:       pubsub.NewSimpleHub(nil),
		SaveDelay: config.SaveDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}
	// Stopping the registry flushes every open tyne's unsaved changes.
	defer stopWorker("tyne registry", registry)

	scanner, err := tick.NewScanner(tick.Config{
		Clock:        clock.WallClock,
		State:        st,
		Runner:       tickRunner{registry: registry},
		ScanInterval: config.TickScanInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stopWorker("tick scanner", scanner)

	listener, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", config.Listen)
	}
	server, err := apiserver.NewServer(apiserver.Config{
		Listener: listener,
		Clock:    clock.WallClock,
		State:    st,
		Registry: registry,
		Router:   router,
		Auth:     apiserver.NewTokenAuthenticator(config.AuthTokens),
		Gatherer: metricsRegistry,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stopWorker("api server", server)
	logger.Infof("serving on %s", server.Addr())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("received %s, shutting down", sig)
		return nil
	case <-workerDone(server):
		return errors.Annotate(server.Wait(), "api server died")
	}
}

func buildStore(config BlobConfig) (blobstore.Store, error) {
	switch config.Backend {
	case "local":
		if err := os.MkdirAll(config.Dir, 0o700); err != nil {
			return nil, errors.Annotate(err, "creating blob dir")
		}
		return blobstore.NewLocalStore(config.Dir)
	case "cloud":
		return blobstore.NewCloudStore(blobstore.CloudStoreConfig{
			BaseURL: config.BaseURL,
			Tokens:  staticTokenSource{token: config.Token},
		})
	}
	return nil, errors.NotValidf("blob backend %q", config.Backend)
}

// buildProvisioner returns the kernel provisioner and, for the pod
// pool, the pool worker itself so the caller can stop it.
func buildProvisioner(config KernelConfig, selfIndex int) (kernel.Provisioner, *podpool.Pool, error) {
	switch config.Provisioner {
	case "pool":
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, nil, errors.Annotate(err, "loading in-cluster config")
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		pool, err := podpool.NewPool(podpool.Config{
			Client:     client,
			Clock:      clock.WallClock,
			Dialer:     podpool.WebsocketDialer{Port: config.Port},
			Namespace:  config.Namespace,
			Image:      config.Image,
			VersionTag: config.VersionTag,
			ShardIndex: selfIndex,
			TargetSize: config.PoolSize,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return pool, pool, nil
	case "remote":
		return remoteProvisioner{
			host: config.RemoteHost,
			port: config.Port,
		}, nil, nil
	}
	return nil, nil, errors.NotValidf("kernel provisioner %q", config.Provisioner)
}

// remoteProvisioner dials a fixed kernel gateway instead of a warm pod.
// Useful outside Kubernetes, where a sidecar hosts every kernel.
type remoteProvisioner struct {
	host string
	port int
}

// Provision implements kernel.Provisioner.
func (p remoteProvisioner) Provision(ctx context.Context, id coretyne.ID, _ bool) (transport.Wire, error) {
	return podpool.WebsocketDialer{Port: p.port}.Dial(ctx, p.host, id)
}

// staticTokenSource serves a fixed gateway token from the config file.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) Token(context.Context) (string, error) { return s.token, nil }
func (s staticTokenSource) Refresh()                              {}

// tickRunner adapts the registry to the scanner: a due tyne is opened
// (loading it if cold) and ticked through its process.
type tickRunner struct {
	registry *tyne.Registry
}

// RunTick implements tick.Runner.
func (r tickRunner) RunTick(ctx context.Context, id coretyne.ID) error {
	p, err := r.registry.Open(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.RunTick(ctx))
}

func stopWorker(name string, w worker.Worker) {
	if err := worker.Stop(w); err != nil {
		logger.Errorf("stopping %s: %v", name, err)
	}
}

func workerDone(w worker.Worker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = w.Wait()
		close(done)
	}()
	return done
}
