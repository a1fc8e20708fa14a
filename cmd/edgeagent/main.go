// Command edgeagent runs the on-vehicle edge agent: it wires the
// Policy Manager, the per-interface Raw Frame Readers, the OBD
// Transactor, the Trigger Engine, the Checkin Emitter, and the Sender
// Worker together and supervises them until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectaiot/edgeagent/acquisition"
	"github.com/vectaiot/edgeagent/checkin"
	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/config"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/expr"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/obd"
	"github.com/vectaiot/edgeagent/persistence"
	"github.com/vectaiot/edgeagent/policy"
	"github.com/vectaiot/edgeagent/sample"
	"github.com/vectaiot/edgeagent/sender"
	"github.com/vectaiot/edgeagent/telemetry"
	"github.com/vectaiot/edgeagent/trigger"
)

const (
	signalBufferCapacity = 1024
	outboundCapacity     = 256
	policyIdleTimeout    = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "edgeagent.yaml", "path to the agent configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil && err != context.Canceled {
		logger.Error("edgeagent: exiting on error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("edgeagent: loading config: %w", err)
	}

	store, err := persistence.Open(cfg.PersistencePath)
	if err != nil {
		return fmt.Errorf("edgeagent: opening persistence: %w", err)
	}
	defer store.Close()

	clk := clock.System{}
	counters := &fault.Counters{}
	buf := sample.NewBuffer(signalBufferCapacity)
	samples := sample.NewStore()
	queue := sender.NewQueue(outboundCapacity)

	// The MQTT client and credential provider are external
	// collaborators; a standalone build logs outbound traffic instead.
	transport := sender.NewLogTransport(logger.With("component", "transport"))

	emitter := checkin.NewEmitter(transport, clk, cfg.CheckinInterval(), logger.With("component", "checkin"), counters)
	worker := sender.NewWorker(transport, store, clk, cfg.PersistencyUploadRetryInterval(),
		logger.With("component", "sender"), counters, queue)

	readers := make([]*acquisition.Reader, 0, len(cfg.Interfaces))
	var transactor *obd.Transactor
	for i, iface := range cfg.Interfaces {
		bus, err := dialBus(iface, cfg)
		if err != nil {
			return fmt.Errorf("edgeagent: opening %s: %w", iface.Name, err)
		}
		defer bus.Close()
		readers = append(readers, acquisition.NewReader(iface.Name, acquisition.Config{
			InterfaceNumericID: iface.NumericID,
			IdleTime:           cfg.IdleTime(),
		}, bus, buf, logger.With("component", "acquisition", "interface", iface.Name), counters))

		// The OBD Transactor owns its own raw socket on the first
		// configured interface, separate from the reader's.
		if i == 0 && (cfg.PidRequestInterval() > 0 || cfg.DtcRequestInterval() > 0) {
			obdBus, err := dialBus(iface, cfg)
			if err != nil {
				return fmt.Errorf("edgeagent: opening %s for OBD: %w", iface.Name, err)
			}
			defer obdBus.Close()
			transactor = obd.NewTransactor(obdBus, obd.Config{
				PidRequestInterval: cfg.PidRequestInterval(),
				DtcRequestInterval: cfg.DtcRequestInterval(),
				Broadcast:          cfg.BroadcastRequests,
				DiscoveryWindow:    cfg.DiscoveryWindow(),
			}, buf, logger.With("component", "obd"), counters)
		}
	}

	var requester trigger.FetchRequester
	if transactor != nil {
		requester = transactor
	}
	engine := trigger.NewEngine(buf, samples, queue, clk, expr.NewMapRegistry(), requester,
		logger.With("component", "trigger"), counters)
	obd.AnyConditionWantsDTCs = engine.WantsDTCs

	interfaceIDs := make(map[string]uint32, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		interfaceIDs[iface.Name] = iface.NumericID
	}
	manager := policy.NewManager(store, interfaceIDs, &fanout{
		readers:    readers,
		transactor: transactor,
		engine:     engine,
		emitter:    emitter,
	}, clk, policyIdleTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Restore(ctx); err != nil {
		logger.Warn("edgeagent: failed to restore persisted schemas", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return emitter.Run(ctx) })
	for _, r := range readers {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	if transactor != nil {
		g.Go(func() error { return transactor.Run(ctx) })
	}

	logger.Info("edgeagent: running",
		"interfaces", len(cfg.Interfaces),
		"obd", transactor != nil)
	return g.Wait()
}

// fanout distributes the Policy Manager's published artifacts to their
// consumers: dictionary to decoders, matrix to the trigger engine,
// fetch matrix to proactive fetchers, checkins to the emitter.
type fanout struct {
	readers    []*acquisition.Reader
	transactor *obd.Transactor
	engine     *trigger.Engine
	emitter    *checkin.Emitter
}

func (f *fanout) OnDictionary(d *dictionary.Dictionary) {
	for _, r := range f.readers {
		r.SetDictionary(d)
	}
	if f.transactor != nil {
		f.transactor.SetDictionary(d)
	}
}

func (f *fanout) OnInspectionMatrix(m *inspection.Matrix) {
	f.engine.OnInspectionMatrix(m)
}

func (f *fanout) OnFetchMatrix(m *fetch.Matrix) {
	f.engine.OnFetchMatrix(m)
}

func (f *fanout) OnCheckin(c telemetry.Checkin) {
	f.emitter.Offer(c)
}
