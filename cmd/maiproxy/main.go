package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maiproxy/maiproxy"
	"github.com/maiproxy/maiproxy/store"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	syncSecretFlag     string
	forceOfflineFlag   bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "maiproxy.db", "Store DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&syncSecretFlag, "sync-secret", "", "Shared secret for the manual sync trigger")
	flag.BoolVar(&forceOfflineFlag, "force-offline", false, "Force offline emulation regardless of origin health")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		config, err = getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}

	// flags override config file
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if syncSecretFlag != "" {
		config.SyncSecret = syncSecretFlag
	}
	if forceOfflineFlag {
		config.ForceOffline = true
	}
	if config.Port == 0 {
		config.Port = portFlag
	}
	if config.DB == "" {
		config.DB = dbFilenameFlag
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	kv, err := store.NewSQLite(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open store")
	}

	proxy := maiproxy.New(maiproxy.Config{
		OriginURL:      *originURL,
		OriginHost:     config.Host,
		Store:          kv,
		SyncSecret:     config.SyncSecret,
		NoticeContent:  config.Notice.Content,
		NoticeAuthor:   config.Notice.UpdatedBy,
		ForceOffline:   config.ForceOffline,
		OriginTimeout:  parseDuration(config.OriginTimeout),
		CatalogRefresh: parseDuration(config.CatalogRefresh),
		RootTTL:        parseDuration(config.RootTTL),
		ProbeInterval:  parseDuration(config.ProbeInterval),
		SyncInterval:   parseDuration(config.SyncInterval),
		Logger:         &log.Logger,
	})
	defer proxy.Close()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, config.Origin, config.Host)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), proxy); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// parseDuration maps an empty string to zero (use the built-in default) and
// fails fast on anything unparseable.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatal().Err(err).Str("value", s).Msg("Invalid duration in config")
	}
	return d
}
