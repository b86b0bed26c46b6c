// Envagent samples an environmental sensor and publishes the readings
// to an MQTT broker over mutually authenticated TLS.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	envagent run              Start the telemetry agent
//	envagent probe [n]        Initialize the sensor and print n readings
//	envagent init [dir]       Write an example config.yaml
//	envagent version          Print version and build information
//	envagent -o json version  Output version information as JSON
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/envagent/internal/agent"
	"github.com/nugget/envagent/internal/buildinfo"
	"github.com/nugget/envagent/internal/clock"
	"github.com/nugget/envagent/internal/clocksync"
	"github.com/nugget/envagent/internal/config"
	"github.com/nugget/envagent/internal/connwatch"
	"github.com/nugget/envagent/internal/credstore"
	"github.com/nugget/envagent/internal/display"
	"github.com/nugget/envagent/internal/metrics"
	"github.com/nugget/envagent/internal/mqtt"
	"github.com/nugget/envagent/internal/sensor"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package so run can be called concurrently from
// tests without touching flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, stderr, configPath)
	case "probe":
		n := 3
		if len(cmdArgs) > 0 {
			v, err := strconv.Atoi(cmdArgs[0])
			if err != nil || v < 1 {
				return fmt.Errorf("usage: envagent probe [count]")
			}
			n = v
		}
		return runProbe(ctx, stdout, configPath, n)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
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

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "envagent - environmental telemetry agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: envagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Start the telemetry agent")
	fmt.Fprintln(w, "  probe [n]    Initialize the sensor and print n readings (default: 3)")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/envagent/config.yaml, /etc/envagent/config.yaml")
	return nil
}

// runAgent wires every component from the configuration and runs the
// control loop until SIGINT/SIGTERM or a fatal error.
func runAgent(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The terminal sink owns stdout, so logs move to stderr.
	logOut := stdout
	if cfg.Display.Mode == "terminal" {
		logOut = stderr
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(logOut, level, cfg.LogFormat)
	logger.Info("starting envagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	sink, err := display.New(cfg.Display.Mode, stdout, logger)
	if err != nil {
		return err
	}

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = mqtt.LoadOrCreateInstanceID(cfg.Device.DataDir)
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}
		logger.Info("using generated device id", "device_id", deviceID)
	}

	synced := clock.NewSynced(clock.Real(), cfg.Clock.TimezoneOffset)

	var progress func(int)
	if p, ok := sink.(display.Progresser); ok {
		progress = p.Progress
	}
	syncer := clocksync.New(clocksync.Options{
		Servers:           cfg.Clock.Servers,
		ValidityThreshold: cfg.Clock.ValidityThreshold,
		MaxAttempts:       cfg.Clock.MaxAttempts,
		PollInterval:      cfg.Clock.PollInterval,
		QueryTimeout:      cfg.Clock.QueryTimeout,
		Progress:          progress,
	}, synced, nil, logger)

	var will *mqtt.Will
	if cfg.Topics.Availability != "" {
		will = &mqtt.Will{Topic: cfg.Topics.Availability, Payload: []byte(mqtt.PayloadOffline)}
	}
	dialer, err := mqtt.NewDialer(mqtt.Options{
		Protocol:         cfg.Broker.Protocol,
		KeepAlive:        cfg.Broker.KeepAlive,
		ConnectTimeout:   cfg.Broker.ConnectTimeout,
		ALPN:             cfg.Broker.ALPN,
		PollTimeout:      cfg.Broker.PollTimeout,
		InboundQueue:     cfg.Broker.InboundQueue,
		InboundRateLimit: cfg.Broker.InboundRateLimit,
		Will:             will,
		Clock:            synced,
	}, logger)
	if err != nil {
		return err
	}

	var announce []mqtt.RetainedMessage
	if cfg.Discovery.Enabled {
		announce, err = mqtt.Discovery{
			Prefix:            cfg.Discovery.Prefix,
			DeviceID:          deviceID,
			Name:              cfg.Discovery.Name,
			StateTopic:        cfg.Topics.Publish,
			AvailabilityTopic: cfg.Topics.Availability,
		}.Messages()
		if err != nil {
			return err
		}
	}

	src, err := openSensor(cfg, synced, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	recorder := metrics.New()
	recorder.WatchInbound(dialer.Stats)
	watch := connwatch.NewManager(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Configured() {
		srv := metrics.NewServer(cfg.Metrics.Listen, recorder, watch, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a := agent.New(agent.Options{
		DeviceID:          deviceID,
		Endpoint:          mqtt.Endpoint{Host: cfg.Broker.Host, Port: cfg.Broker.Port},
		PublishTopic:      cfg.Topics.Publish,
		SubscribeTopic:    cfg.Topics.Subscribe,
		AvailabilityTopic: cfg.Topics.Availability,
		Announce:          announce,
		PublishInterval:   cfg.Agent.PublishInterval,
		RetryDelay:        cfg.Agent.RetryDelay,
		RequireClockSync:  cfg.Clock.SyncRequired(),
	}, agent.Deps{
		Sensor:      src,
		ClockSync:   syncer,
		Dialer:      dialer,
		Credentials: credstore.New(cfg.TLS),
		Clock:       synced,
		Sink:        sink,
		Recorder:    recorder,
		Watch:       watch,
		Logger:      logger,
	})

	logger.Info("agent configured",
		"device_id", deviceID,
		"broker", cfg.Broker.Host,
		"port", cfg.Broker.Port,
		"protocol", cfg.Broker.Protocol,
		"publish_topic", cfg.Topics.Publish,
		"subscribe_topic", cfg.Topics.Subscribe,
		"sensor", cfg.Sensor.Driver,
	)

	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("envagent stopped")
	return nil
}

// runProbe initializes the configured sensor and prints n readings.
// It touches no network and is meant for bench checks of the wiring.
func runProbe(ctx context.Context, stdout io.Writer, configPath string, n int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, level, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, time.Duration(n)*10*time.Second)
	defer cancelTimeout()

	clk := clock.Real()
	src, err := openSensor(cfg, clk, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := src.Init(ctx); err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	fmt.Fprintf(stdout, "sensor %s ready\n", cfg.Sensor.Driver)

	for got := 0; got < n; {
		r, err := src.Read(ctx)
		switch {
		case err == nil:
			got++
			fmt.Fprintf(stdout, "reading %d:\n", got)
			for _, line := range display.ReadingLines(r) {
				fmt.Fprintf(stdout, "  %s\n", line)
			}
			continue
		case errors.Is(err, sensor.ErrNotReady):
		default:
			return fmt.Errorf("sensor read: %w", err)
		}
		if !clock.Sleep(ctx, clk, 20*time.Millisecond) {
			return ctx.Err()
		}
	}
	return nil
}

// openSensor returns the source selected by sensor.driver.
func openSensor(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (sensor.Source, error) {
	settings := sensor.Settings{
		TemperatureOversampling: cfg.Sensor.Oversampling.Temperature,
		HumidityOversampling:    cfg.Sensor.Oversampling.Humidity,
		PressureOversampling:    cfg.Sensor.Oversampling.Pressure,
		FilterSize:              cfg.Sensor.FilterSize,
		HeaterTemperature:       cfg.Sensor.Heater.Temperature,
		HeaterDurationMS:        cfg.Sensor.Heater.DurationMS,
	}
	switch cfg.Sensor.Driver {
	case "simulated":
		return sensor.NewSimulated(clk, settings, uint64(time.Now().UnixNano())), nil
	default:
		b, err := sensor.OpenBME680(cfg.Sensor.I2CBus, cfg.Sensor.Addresses, settings, clk, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. It
// returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
