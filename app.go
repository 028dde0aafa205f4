package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/neuromesh/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	Builder      *mesh.Builder
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Logger       *mesh.Logger

	// CLI Flags (effectively dependencies)
	DataDir       string
	ConfigFile    string
	OutputFile    string
	Threshold     *float64
	ThresholdKind string
	NodeType      string
	RenderFormat  string
	Projection    string
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
	Verbose       bool

	// mu serializes access to Builder, which is not safe for concurrent use.
	mu sync.Mutex
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Logger:       mesh.NoopLogger(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.OutputFile = opts.OutputFile
	a.Threshold = opts.Threshold
	a.ThresholdKind = opts.ThresholdKind
	a.NodeType = opts.NodeType
	a.RenderFormat = opts.RenderFormat
	a.Projection = opts.Projection
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Verbose = opts.Verbose

	level := slog.LevelInfo
	if a.Verbose {
		level = slog.LevelDebug
	}
	a.Logger = mesh.NewTextLogger(os.Stderr, level)
}

// loadConfig reads the config file when one was given and applies CLI
// overrides on top of it.
func (a *App) loadConfig() error {
	var config *mesh.Config
	if a.ConfigFile != "" {
		c, err := mesh.LoadConfig(a.ConfigFile)
		if err != nil {
			return err
		}
		config = c
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else {
		config = mesh.DefaultConfig()
		config.ApplyEnv()
	}

	if a.RenderFormat != "" {
		config.Render.Format = strings.ToLower(a.RenderFormat)
	}
	if a.Projection != "" {
		config.Render.Projection = a.Projection
	}
	if a.HttpPort != 0 {
		config.HTTP.Port = a.HttpPort
	}
	if err := config.Validate(); err != nil {
		return err
	}
	a.Config = config
	return nil
}

// loadBuilder reads every reconstruction in DataDir plus the configured
// remote sources.
func (a *App) loadBuilder(ctx context.Context) error {
	opts := []mesh.Option{
		mesh.WithParams(a.Config.Consensus),
		mesh.WithLogger(a.Logger),
	}

	var recs []*mesh.Reconstruction
	if a.DataDir != "" {
		local, err := mesh.LoadReconstructionsFromDirectory(a.DataDir, a.Logger)
		if err != nil {
			return fmt.Errorf("loading %s: %w", a.DataDir, err)
		}
		recs = append(recs, local...)
	}
	if len(a.Config.Sources) > 0 {
		remote, err := mesh.LoadRemoteReconstructions(ctx, a.Config.Sources, a.Logger)
		if err != nil {
			return err
		}
		recs = append(recs, remote...)
	}

	b := mesh.NewBuilder(opts...)
	if err := b.SetReconstructions(recs); err != nil {
		return err
	}

	a.mu.Lock()
	a.Builder = b
	a.mu.Unlock()
	log.Printf("Loaded %d reconstruction(s)", len(recs))
	return nil
}

// threshold resolves the extraction threshold: the configured one, with the
// kind and value overridden from the CLI or a rebuild request.
func (a *App) threshold(value *float64) (mesh.Threshold, error) {
	t := a.Config.Consensus.Threshold()
	if a.ThresholdKind != "" {
		kind, err := parseThresholdKind(a.ThresholdKind)
		if err != nil {
			return t, err
		}
		if kind != t.Kind {
			t.Kind = kind
			t.Value = a.Config.Consensus.BranchConfidenceThreshold
			if kind == mesh.ThresholdVotes {
				t.Value = 1
			}
		}
	}
	if value == nil {
		value = a.Threshold
	}
	if value != nil {
		if *value < 0 {
			return t, fmt.Errorf("threshold must not be negative, got %g", *value)
		}
		t.Value = *value
	}
	return t, nil
}

// Extract builds the composite if needed and extracts the consensus at the
// given threshold (nil keeps the default).
func (a *App) Extract(value *float64) (*mesh.Consensus, error) {
	t, err := a.threshold(value)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Builder == nil {
		return nil, errors.New("no reconstructions loaded")
	}
	start := time.Now()
	cons, err := a.Builder.BuildConsensusWithThreshold(t)
	if err != nil {
		return nil, err
	}
	log.Printf("Consensus: %d branches in %d trees at threshold %g (%v)",
		cons.Len(), len(cons.Roots), t.Value, time.Since(start).Round(time.Millisecond))
	return cons, nil
}

// Rebuild extracts a fresh consensus, stores it and publishes it when MQTT
// is enabled.
func (a *App) Rebuild(value *float64) (*mesh.Consensus, error) {
	cons, err := a.Extract(value)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	summary := a.Builder.Summary()
	a.mu.Unlock()

	if err := a.StateTracker.Update(cons, summary); err != nil {
		log.Printf("Warning: %v", err)
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishConsensus(summary, cons); err != nil {
			log.Printf("Error publishing consensus: %v", err)
		}
	}
	return cons, nil
}

// RunBuild loads the reconstructions and writes the consensus SWC.
func (a *App) RunBuild(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.loadBuilder(ctx); err != nil {
		return err
	}
	basis, err := parseNodeType(a.NodeType)
	if err != nil {
		return err
	}

	cons, err := a.Extract(nil)
	if err != nil {
		return err
	}

	out := a.OutputFile
	if out == "" {
		out = "consensus.swc"
	}
	if strings.HasSuffix(strings.ToLower(out), ".eswc") {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.Builder.WriteConsensusToESWC(out, cons.Threshold.Value, basis, cons.Threshold.Kind)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	if err := mesh.WriteSWC(f, cons, basis, cons.Threshold.Kind); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	s := a.Builder.Summary()
	fmt.Printf("Build %s: %d reconstructions, %d composite branches, %d matches (%d dropped), %d splits\n",
		s.BuildID, s.Reconstructions, s.Branches, s.MatchesAccepted, s.MatchesDropped, s.Splits)
	fmt.Printf("Consensus: %d branches in %d trees, %d markers -> %s\n",
		cons.Len(), len(cons.Roots), cons.MarkerCount(), out)
	return nil
}

// RunRender builds the consensus and draws it as SVG or PNG.
func (a *App) RunRender(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.loadBuilder(ctx); err != nil {
		return err
	}
	cons, err := a.Extract(nil)
	if err != nil {
		return err
	}

	renderer, err := mesh.NewVectorRendererFromConfig(cons, a.Config.Render)
	if err != nil {
		return err
	}

	out := a.OutputFile
	if out == "" {
		out = "consensus." + a.Config.Render.Format
	}
	if a.Config.Render.Format == "png" {
		if err := renderer.SavePNG(out); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
	} else {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}
		if err := renderer.RenderToSVG(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing %s: %w", out, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Printf("Rendered %d branches (%s projection) -> %s\n", cons.Len(), renderer.Projection, out)
	return nil
}

// RunService builds the consensus once, then serves it over HTTP and
// publishes it to MQTT until ctx is cancelled or a signal arrives.
func (a *App) RunService(ctx context.Context) error {
	fmt.Println("Starting neuromesh service...")

	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.Config.StateCache != "" {
		a.StateTracker = mesh.NewStateTrackerWithCache(a.Config.StateCache)
		if a.StateTracker.HasConsensus() {
			log.Printf("Loaded cached consensus from %s", a.Config.StateCache)
		}
	}
	if err := a.loadBuilder(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(ctx, a.Config, a.handleRebuild)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured")
		}
		a.MQTTClient = mqttClient
		a.Publisher = mesh.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix)
		fmt.Println("MQTT consensus publisher initialized")
	}

	if _, err := a.Rebuild(nil); err != nil {
		log.Printf("Initial consensus build failed: %v", err)
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Println("\nMQTT:")
		fmt.Printf("  Publishing to: %s/summary, %s/consensus\n", prefix, prefix)
		fmt.Printf("  Rebuild requests: %s\n", a.MQTTClient.RebuildTopic())
	}
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Println("  GET /health          - Health check")
		fmt.Println("  GET /consensus.swc   - Consensus as SWC")
		fmt.Println("  GET /consensus.json  - Consensus as JSON")
		fmt.Println("  GET /consensus.svg   - Consensus drawing")
		fmt.Println("  GET /consensus.png   - Consensus drawing with legend")
		fmt.Println("  POST /rebuild        - Re-extract and publish")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
	return nil
}

// handleRebuild is the MQTT rebuild callback.
func (a *App) handleRebuild(req mesh.RebuildRequest) {
	if _, err := a.Rebuild(req.Threshold); err != nil {
		log.Printf("Rebuild failed: %v", err)
	}
}

func parseThresholdKind(s string) (mesh.ThresholdKind, error) {
	switch strings.ToLower(s) {
	case "", "proportion":
		return mesh.ThresholdProportion, nil
	case "votes":
		return mesh.ThresholdVotes, nil
	default:
		return 0, fmt.Errorf("unknown threshold kind %q (want proportion or votes)", s)
	}
}

func parseNodeType(s string) (mesh.NodeTypeBasis, error) {
	switch strings.ToLower(s) {
	case "", "branch":
		return mesh.NodeTypeBranchConfidence, nil
	case "connection":
		return mesh.NodeTypeConnectionConfidence, nil
	default:
		return 0, fmt.Errorf("unknown node type basis %q (want branch or connection)", s)
	}
}
