package main

import (
	"flag"
	"fmt"
	"time"

	"ccmlink/config"
)

type options struct {
	configPath  string
	showVersion bool
	headless    bool

	backendURL string
	contract   string
	pollRate   time.Duration
	namespace  string

	httpPort int
	httpHost string
	noAPI    bool
	noWebUI  bool

	setSecret string

	logLevel string
	logFile  string
	logDebug string
}

func parseFlags(args []string) *options {
	o, err := parseFlagSet(flag.NewFlagSet("ccmlink", flag.ExitOnError), args)
	if err != nil {
		// ExitOnError already exited
		panic(err)
	}
	return o
}

func parseFlagSet(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	var noTUI, noTUILong bool
	fs.StringVar(&o.configPath, "config", config.DefaultPath(), "Path to configuration file")
	fs.BoolVar(&o.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&noTUI, "d", false, "Disable local TUI (headless mode)")
	fs.BoolVar(&noTUILong, "no-tui", false, "Disable local TUI (headless mode)")
	fs.StringVar(&o.backendURL, "backend", "", "Tag backend base URL (overrides config)")
	fs.StringVar(&o.contract, "contract", "", "Backend contract: per_panel or unified (overrides config)")
	fs.DurationVar(&o.pollRate, "poll-rate", 0, "Per-panel poll interval (overrides config)")
	fs.StringVar(&o.namespace, "namespace", "", "Set namespace (saved to config)")
	fs.IntVar(&o.httpPort, "p", 0, "HTTP listen port (overrides config)")
	fs.StringVar(&o.httpHost, "host", "", "HTTP bind address (overrides config)")
	fs.BoolVar(&o.noAPI, "no-api", false, "Disable REST API (ephemeral)")
	fs.BoolVar(&o.noWebUI, "no-webui", false, "Disable the login gate (ephemeral)")
	fs.StringVar(&o.setSecret, "set-secret", "", "Set the login gate secret (saved to config)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	fs.StringVar(&o.logFile, "log", "", "Also append logs to this file (overrides config)")
	fs.StringVar(&o.logDebug, "log-debug", "", "Enable debug logging to debug.log for the listed subsystems")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.headless = noTUI || noTUILong
	return o, nil
}

// applyFlags copies flag overrides into cfg. It reports whether the config
// must be saved because a persisted setting changed.
func applyFlags(cfg *config.Config, o *options) (bool, error) {
	persist := false

	if o.namespace != "" {
		if !config.IsValidNamespace(o.namespace) {
			return false, fmt.Errorf("invalid namespace %q (use alphanumeric, hyphen, underscore, dot)", o.namespace)
		}
		cfg.Namespace = o.namespace
		persist = true
	}
	if o.setSecret != "" {
		hash, err := config.HashSecret(o.setSecret)
		if err != nil {
			return false, err
		}
		cfg.Web.UI.SecretHash = hash
		persist = true
	}

	if o.backendURL != "" {
		cfg.Backend.BaseURL = o.backendURL
	}
	if o.contract != "" {
		cfg.Backend.Contract = o.contract
	}
	if o.pollRate > 0 {
		cfg.PollRate = o.pollRate
	}
	if o.httpPort != 0 {
		cfg.Web.Port = o.httpPort
	}
	if o.httpHost != "" {
		cfg.Web.Host = o.httpHost
	}
	if o.noAPI {
		cfg.Web.API.Enabled = false
	}
	if o.noWebUI {
		cfg.Web.UI.Enabled = false
	}
	if o.noAPI && o.noWebUI && !cfg.Metrics.Enabled {
		cfg.Web.Enabled = false
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if o.logDebug != "" {
		cfg.Logging.Debug = o.logDebug
	}
	return persist, nil
}
