package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-companion/internal/audio"
	"github.com/loqalabs/loqa-companion/internal/audiobuf"
	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/companion"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/interaction"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/presence"
	"github.com/loqalabs/loqa-companion/internal/realtime"
	"github.com/loqalabs/loqa-companion/internal/router"
)

var deviceCapabilities = []string{"voice", "audio.capture", "audio.playback"}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *eventstore.Store
	audio     *audio.Service
	machine   *interaction.Machine
	companion *companion.ViewModel
	router    *router.Service
	presence  *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the companion up, serves until ctx is done, then shuts everything down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("device_id", r.cfg.Presence.DeviceID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		r.metricsServer = r.serve("metrics", r.cfg.Telemetry.PrometheusBind, metricsHandler)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.store = store
	}

	if err := r.startCompanion(); err != nil {
		return err
	}

	var recorder router.Recorder
	if r.store != nil {
		recorder = r.store
	}
	r.router = router.NewService(ctx, router.Options{
		DeviceID:       r.cfg.Presence.DeviceID,
		ConnectTimeout: millis(r.cfg.Realtime.DialTimeoutMS),
	}, r.busClient, r.companion, recorder, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	if r.busClient != nil && r.cfg.Presence.Enabled {
		status := func() (string, string) {
			s := r.companion.Status()
			return s.State, s.DisplayText
		}
		reg, err := presence.NewRegistry(ctx, r.cfg.Presence, deviceCapabilities, status, r.busClient, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = reg
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/peers", r.handlePeers)
	r.httpServer = r.serve("http", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		r.logger.Info("bus disabled; intents and presence are off")
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, "0.0.0.0", r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.busClient = client
	return nil
}

func (r *Runtime) startCompanion() error {
	engine, err := audio.NewEngine(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("create audio engine: %w", err)
	}
	dumper, err := audio.NewDumper(r.cfg.Audio.DumpDir)
	if err != nil {
		return err
	}
	format := pcm.Wire()
	buffers := audiobuf.New(r.cfg.Audio.CaptureMaxChunks, r.cfg.Audio.PlaybackMaxChunks, r.logger)
	r.audio = audio.NewService(engine, buffers, audio.Options{
		Format:       format,
		ChunkBytes:   format.BytesFor(millis(r.cfg.Audio.ChunkDurationMS)),
		MaxScheduled: r.cfg.Audio.MaxScheduled,
		Dumper:       dumper,
	}, r.logger)

	rc := r.cfg.Realtime
	client, err := realtime.NewClient(realtime.Config{
		Endpoint:     rc.Endpoint,
		Resource:     rc.Resource,
		Deployment:   rc.Deployment,
		APIVersion:   rc.APIVersion,
		APIKey:       rc.APIKey,
		Proxy:        rc.Proxy,
		DialTimeout:  millis(rc.DialTimeoutMS),
		PingInterval: millis(rc.PingIntervalMS),
		WriteTimeout: millis(rc.WriteTimeoutMS),
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create realtime client: %w", err)
	}

	r.machine = interaction.NewMachine(r.logger)
	settings := companion.StaticSettings(companion.SettingsFromConfig(r.cfg.Voice))
	r.companion = companion.New(r.machine, client, r.audio, settings, r.logger)
	return nil
}

func (r *Runtime) serve(name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.presence != nil {
		r.presence.Close()
	}
	if r.companion != nil {
		if err := r.companion.Close(); err != nil {
			r.logger.Warn("companion shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.audio != nil {
		if err := r.audio.Close(); err != nil {
			r.logger.Warn("audio shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.machine != nil {
		r.machine.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.busClient != nil && !r.busClient.Healthy() {
		ready = false
	}
	if r.router != nil && !r.router.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.companion == nil {
		http.Error(w, "companion not started", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.companion.Status())
}

func (r *Runtime) handlePeers(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, []presence.Peer{})
		return
	}
	writeJSON(w, r.presence.Query(nil))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
