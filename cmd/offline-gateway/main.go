package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/studyshelf/offline-cache"
	"github.com/studyshelf/offline-cache/cache"
	"github.com/studyshelf/offline-cache/download"
	"github.com/studyshelf/offline-cache/store"
)

type config struct {
	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	OriginURL       string `env:"ORIGIN_URL" envDefault:"http://localhost:3000"`
	CacheDB         string `env:"CACHE_DB" envDefault:"gateway-cache.db"`
	StoreDB         string `env:"STORE_DB" envDefault:"offline-store.db"`
	ShellVersion    string `env:"SHELL_VERSION" envDefault:"v1"`
	StoreQuotaBytes int64  `env:"STORE_QUOTA_BYTES" envDefault:"0"`
}

var (
	configFilenameFlag string
	verbosityTraceFlag bool
	logFilenameFlag    string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to gateway config file")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
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
	log.Logger = log.Level(logLevel).Output(multiWriter)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Could not parse environment")
	}

	// gateway routing config: defaults, overridable from the config file
	fileConfig := offlinecache.FileConfig{
		ShellVersion:  cfg.ShellVersion,
		ShellManifest: []string{"/", "/index.html"},
		ProxyPath:     "/api/document-proxy",
	}
	if configFilenameFlag != "" {
		loaded, err := offlinecache.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load config file")
		}
		fileConfig = loaded
	}

	originURL, err := url.Parse(cfg.OriginURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	// set up sqlite memory provider
	cacheDB := cfg.CacheDB
	if cacheDB == "memory" {
		cacheDB = "file::memory:?cache=shared"
	}
	provider, err := cache.NewSQLiteCache(cacheDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache database")
	}

	ident := requestIdentity()
	offlineStore, err := store.Open(cfg.StoreDB, ident,
		store.WithQuota(cfg.StoreQuotaBytes),
		store.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open offline store")
	}
	defer offlineStore.Close()

	downloader := download.New(
		cfg.OriginURL+fileConfig.ProxyPath,
		offlineStore, ident,
		download.WithLogger(log.Logger))

	gateway := offlinecache.New(offlinecache.Config{
		Cache:         provider,
		OriginURL:     *originURL,
		ShellVersion:  fileConfig.ShellVersion,
		ShellManifest: fileConfig.ShellManifest,
		ProxyPath:     fileConfig.ProxyPath,
		ShellIndex:    fileConfig.ShellIndex,
		Logger:        &log.Logger,
	})

	ctx := context.Background()
	if err := gateway.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not install shell cache")
	}
	if err := gateway.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not activate gateway")
	}

	r := chi.NewRouter()
	r.Use(userIdentityMiddleware)
	mountOfflineAPI(r, offlineStore, downloader)
	r.Post("/internal/messages", messageHandler(gateway))
	r.Handle("/*", gateway)

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("origin", cfg.OriginURL).
		Str("shellVersion", fileConfig.ShellVersion).
		Msg("Starting offline gateway")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
