// Vartabridge polls a Varta battery controller over HTTP and republishes
// its measurements to MQTT with Home Assistant discovery.
//
// Configuration is loaded from a YAML file discovered automatically
// (see [config.DefaultSearchPaths]). When no file exists the legacy
// environment variables (API_URL, MQTT_BROKER, ...) are used instead.
//
// Usage:
//
//	vartabridge serve              Run the polling bridge
//	vartabridge once               Fetch and print one set of measurements
//	vartabridge init [dir]         Write an example config and sensor table
//	vartabridge version            Print version and build information
//	vartabridge -o json once       Output measurements as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/varta-bridge/internal/api"
	"github.com/nugget/varta-bridge/internal/buildinfo"
	"github.com/nugget/varta-bridge/internal/config"
	"github.com/nugget/varta-bridge/internal/connwatch"
	"github.com/nugget/varta-bridge/internal/metrics"
	"github.com/nugget/varta-bridge/internal/mqtt"
	"github.com/nugget/varta-bridge/internal/opstate"
	"github.com/nugget/varta-bridge/internal/poller"
	"github.com/nugget/varta-bridge/internal/sensors"
	"github.com/nugget/varta-bridge/internal/session"
	"github.com/nugget/varta-bridge/internal/status"
)

// shutdownTimeout bounds the offline publish, broker disconnect and
// status server drain on exit.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for once, whose stdout carries the measurements. args
// is os.Args[1:]; they are parsed by hand to keep run free of
// flag.CommandLine globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArg string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command == "init" && cmdArg == "" && !strings.HasPrefix(args[i], "-"):
			cmdArg = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "once":
		return runOnce(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := cmdArg
		if dir == "" {
			dir = "."
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "vartabridge - Varta battery to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vartabridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the battery and publish to MQTT")
	fmt.Fprintln(w, "  once         Fetch one set of measurements and print them")
	fmt.Fprintln(w, "  init [dir]   Write example config.yaml and sensors.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/vartabridge/config.yaml, /etc/vartabridge/config.yaml")
	fmt.Fprintln(w, "  then environment variables (API_URL, LOGIN_URL, MQTT_BROKER, ...)")
	return nil
}

// loadConfig resolves the configuration. An explicit path must exist.
// Without one, the search paths are tried and the environment is the
// fallback. The returned source names where the config came from.
func loadConfig(explicit string, getenv func(string) string) (*config.Config, string, error) {
	var cfg *config.Config
	source := "environment"

	path, findErr := config.FindConfig(explicit)
	switch {
	case findErr == nil:
		c, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg, source = c, path
	case explicit != "":
		return nil, "", findErr
	default:
		c, err := config.FromEnv(getenv)
		if err != nil {
			return nil, source, err
		}
		cfg = c
	}

	if err := cfg.Validate(); err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// loadDescriptors returns the sensor table, honouring sensors_file.
func loadDescriptors(cfg *config.Config) ([]sensors.Descriptor, error) {
	if cfg.SensorsFile == "" {
		return sensors.Default(), nil
	}
	descs, err := sensors.LoadFile(cfg.SensorsFile)
	if err != nil {
		return nil, fmt.Errorf("sensors_file %s: %w", cfg.SensorsFile, err)
	}
	return descs, nil
}

func credentials(cfg *config.Config) session.Credentials {
	return session.Credentials{
		LoginURL: cfg.API.LoginURL,
		Username: cfg.API.Username,
		Password: cfg.API.Password,
	}
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting vartabridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, source, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	descs, err := loadDescriptors(cfg)
	if err != nil {
		return err
	}

	logger.Info("config loaded",
		"source", source,
		"data_url", cfg.API.DataURL,
		"auth", cfg.API.AuthEnabled(),
		"broker", cfg.MQTT.Broker,
		"device", cfg.MQTT.DeviceName,
		"interval", cfg.Poll.Interval(),
		"sensors", len(descs),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Operational state ---
	// Only the last login attempt is persisted, so a crash loop cannot
	// hammer the controller's login endpoint.
	var store session.StateStore
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		st, err := opstate.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open operational state: %w", err)
		}
		defer st.Close()
		store = st
		logger.Info("operational state opened", "data_dir", cfg.DataDir)
	}

	m := metrics.New()
	errs := status.NewErrorState()
	errs.OnChange(m.SetErrorCount)

	// --- MQTT ---
	pub := mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT), descs, nil, logger.With("component", "mqtt"))
	reporter := status.NewReporter(pub)

	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}()

	watch := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watch.Stop()
	if _, err := watch.Watch(ctx, brokerTarget(pub.AwaitConnection, m, logger)); err != nil {
		return err
	}

	// --- Session and poller ---
	sessions := session.NewManager(session.Options{
		Credentials: credentials(cfg),
		Timeout:     cfg.API.Timeout(),
		Cooldown:    cfg.Poll.LoginCooldown(),
		Insecure:    cfg.API.InsecureSkipVerify,
		Errors:      errs,
		Reporter:    reporter,
		Store:       store,
		Observer:    m,
		Logger:      logger.With("component", "session"),
	})
	if !sessions.AuthEnabled() {
		logger.Info("authentication disabled, fetching without login")
	}

	p := poller.New(poller.Options{
		DataURL:     cfg.API.DataURL,
		Interval:    cfg.Poll.Interval(),
		MaxBackoff:  cfg.Poll.MaxBackoff(),
		Timeout:     cfg.API.Timeout(),
		Descriptors: descs,
		Sessions:    sessions,
		Sink:        pub,
		Errors:      errs,
		Reporter:    reporter,
		Observer:    m,
		Logger:      logger.With("component", "poller"),
	})

	// --- Status server ---
	if cfg.Status.Listen != "" {
		srv := api.NewServer(cfg.Status.Listen, api.Deps{
			Poller:   p,
			Reporter: reporter,
			Watch:    watch,
			Metrics:  m.Handler(),
			Logger:   logger.With("component", "api"),
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn("status server shutdown failed", "error", err)
			}
		}()
	}

	// Discovery first so Home Assistant knows the status sensors before
	// their first values arrive.
	if n, err := pub.PublishDiscovery(ctx); err != nil {
		logger.Warn("discovery incomplete", "published", n, "error", err)
	}
	p.Start(ctx)

	err = p.Run(ctx)
	logger.Info("shutting down")
	return err
}

// brokerTarget watches the MQTT connection and mirrors its state into
// the mqtt_connected gauge.
func brokerTarget(probe connwatch.ProbeFunc, m *metrics.Metrics, logger *slog.Logger) connwatch.Target {
	return connwatch.Target{
		Name:    "mqtt",
		Probe:   probe,
		OnReady: func() { m.SetBrokerUp(true) },
		OnDown: func(err error) {
			m.SetBrokerUp(false)
			logger.Warn("mqtt broker unreachable", "error", err)
		},
	}
}

// onceRow is one line of `once` output.
type onceRow struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// runOnce performs a single fetch-map cycle without MQTT and prints
// the measurements.
func runOnce(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	descs, err := loadDescriptors(cfg)
	if err != nil {
		return err
	}

	errs := status.NewErrorState()
	sessions := session.NewManager(session.Options{
		Credentials: credentials(cfg),
		Timeout:     cfg.API.Timeout(),
		Cooldown:    cfg.Poll.LoginCooldown(),
		Insecure:    cfg.API.InsecureSkipVerify,
		Errors:      errs,
		Logger:      logger,
	})
	p := poller.New(poller.Options{
		DataURL:     cfg.API.DataURL,
		Timeout:     cfg.API.Timeout(),
		Descriptors: descs,
		Sessions:    sessions,
		Errors:      errs,
		Logger:      logger,
	})

	if !p.Cycle(ctx) {
		msg := errs.Snapshot().LastError
		if msg == "" {
			msg = "unknown error"
		}
		return errors.New("fetch failed: " + msg)
	}

	byKey := make(map[string]sensors.Descriptor, len(descs))
	for _, d := range descs {
		byKey[d.Key] = d
	}
	ms := p.Snapshot().Measurements
	rows := make([]onceRow, 0, len(ms))
	for _, m := range ms {
		d := byKey[m.Key]
		rows = append(rows, onceRow{Key: m.Key, Name: d.Name, Value: m.Value, Unit: d.Unit})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-26s %s %s\n", r.Key, sensors.FormatValue(r.Value), r.Unit)
	}
	return nil
}
