// ccmlink - CCM panel tag acquisition service
//
// Polls the CCM tag backend, derives alarms and the plant summary, and
// republishes them over the REST API, MQTT, Valkey, Kafka and webhooks.
// A terminal dashboard runs unless started headless.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ccmlink/config"
	"ccmlink/engine"
	"ccmlink/logging"
	"ccmlink/metrics"
	"ccmlink/tui"
	"ccmlink/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag turns a bare --log-debug into --log-debug all.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
	}
}

func main() {
	preprocessLogDebugFlag()
	opts := parseFlags(os.Args[1:])

	if opts.showVersion {
		fmt.Printf("ccmlink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	persist, err := applyFlags(cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if persist {
		if err := cfg.Save(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", opts.configPath)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg, opts)
}

// run is the startup flow shared by the TUI and headless modes.
func run(cfg *config.Config, opts *options) {
	// The dashboard owns the terminal, so logs go to its pane instead.
	var logOut io.Writer = os.Stdout
	var logStore *tui.LogStore
	if !opts.headless {
		logStore = tui.NewLogStore(1000)
		logOut = logStore
	}

	logger, closeLog, err := logging.SetupWriter(cfg.Logging, logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	var debugLogger *logging.DebugLogger
	if cfg.Logging.Debug != "" {
		debugLogger, err = logging.NewDebugLogger(filepath.Join(filepath.Dir(opts.configPath), "debug.log"))
		if err != nil {
			logger.Warn().Err(err).Msg("debug log disabled")
		} else {
			filter := cfg.Logging.Debug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
			logger.Info().Str("filter", cfg.Logging.Debug).Msg("debug logging enabled")
		}
	}

	var collector metrics.Collector
	if cfg.Metrics.Enabled {
		pc, err := metrics.NewPrometheusCollector(nil)
		if err != nil {
			logger.Warn().Err(err).Msg("metrics disabled")
		} else {
			collector = pc
		}
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: opts.configPath,
		LogFunc:    logging.LogFunc(logger, "engine"),
		Metrics:    collector,
	})
	if err := eng.Start(); err != nil {
		logger.Error().Err(err).Msg("engine start failed")
		os.Exit(1)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		ws := web.NewServer(web.Options{Web: &cfg.Web, Metrics: cfg.Metrics, Engine: eng})
		if err := ws.Start(); err != nil {
			logger.Warn().Err(err).Int("port", cfg.Web.Port).Msg("continuing without HTTP server")
		} else {
			webServer = ws
			logStartup(logger, cfg, ws.Address())
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if opts.headless {
		logger.Info().Msg("running headless, press Ctrl+C to stop")
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	} else {
		// Runtime errors would corrupt the dashboard; send them to a file.
		crashPath := filepath.Join(filepath.Dir(opts.configPath), "ccmlink-crash.log")
		if f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			defer f.Close()
		}

		app := tui.NewApp(eng, opts.configPath, logStore)
		go func() {
			select {
			case <-sigChan:
				app.Shutdown()
			case <-app.Done():
			}
		}()
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		app.Shutdown()
	}

	shutdown(eng, webServer)
	if opts.headless {
		fmt.Println("Stopped")
	}
}

func logStartup(logger zerolog.Logger, cfg *config.Config, addr string) {
	ev := logger.Info().Str("address", addr)
	if cfg.Web.API.Enabled {
		ev = ev.Str("api", addr+"/api/")
	}
	if cfg.Web.UI.Enabled {
		ev = ev.Str("login", addr+"/login")
	}
	if cfg.Metrics.Enabled {
		ev = ev.Str("metrics", addr+cfg.Metrics.Path)
	}
	ev.Msg("web server started")
}

// shutdown stops the web server and the engine, giving up after two seconds.
func shutdown(eng *engine.Engine, webServer *web.Server) {
	done := make(chan struct{})
	go func() {
		if webServer != nil {
			webServer.Stop()
		}
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
