// Command signald runs a standalone signaling server: a wschannel
// endpoint backed by either the in-memory channel or a SQLite store.
//
// Usage:
//
//	signald -config signald.yaml
//
// Example configuration:
//
//	listen: ":8090"
//	log_level: info
//	store:
//	  backend: sqlite
//	  path: /var/lib/signald/calls.db
//	  retention: 24h
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/anonsoc/callcore/signaling"
	"github.com/anonsoc/callcore/sqlitestore"
	"github.com/anonsoc/callcore/wschannel"
)

// Config is the YAML configuration for signald.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8090".
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string `yaml:"log_level"`

	Store StoreConfig `yaml:"store"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	// Backend is "memory" or "sqlite". Empty means memory.
	Backend string `yaml:"backend"`

	// Path is the database file, required for the sqlite backend.
	Path string `yaml:"path"`

	// Retention bounds how long finished records are kept (sqlite
	// backend). Zero means the store default.
	Retention Duration `yaml:"retention"`
}

// Duration decodes Go duration strings like "24h" from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	return loadConfig(f)
}

func loadConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	switch cfg.Store.Backend {
	case "", "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required when store.backend is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite", cfg.Store.Backend))
	}
	return errors.Join(errs...)
}

func main() {
	configPath := flag.String("config", "signald.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err == nil {
			logrus.SetLevel(level)
		}
	}

	var (
		channel signaling.Channel
		store   signaling.SyncStore
		cleanup func()
	)
	switch cfg.Store.Backend {
	case "sqlite":
		db, err := sqlitestore.Open(sqlitestore.Options{
			Path:      cfg.Store.Path,
			Retention: time.Duration(cfg.Store.Retention),
		})
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open SQLite store")
		}
		channel, store = db, db
		cleanup = func() { db.Close() }
	default:
		mem := signaling.NewMemoryChannel()
		channel, store = mem, mem
		cleanup = mem.Close
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.Handle("/signal", wschannel.NewServer(channel, store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"listen":   cfg.Listen,
			"backend":  cfg.Store.Backend,
		}).Info("signald listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.WithField("function", "main").Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Graceful shutdown failed")
	}
}
