/*
Package ocrtsl is an on-device OCR-translation server core: images go
through bounding-box detection, optical character recognition and
translation, with every intermediate artefact cached in a content-addressed
store so repeated requests never recompute.
*/
package ocrtsl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Crivella/ocr-translate-sub000/internal/driver"
	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/pipeline"
	"github.com/Crivella/ocr-translate-sub000/internal/registry"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

var (
	ErrNotStarted = errors.New("ocrtsl: server not started")
	ErrClosed     = errors.New("ocrtsl: server closed")
)

// Config configures a Server instance.
type Config struct {
	// BasePath is the root data directory; the artefact store lives under
	// BasePath/db and model data under BasePath/models unless overridden.
	BasePath string
	// DBPath overrides the artefact store location.
	DBPath string
	// DataDir overrides where model data and dictionaries live.
	DataDir string
	// InMemory keeps the artefact store off disk; used by tests.
	InMemory bool
	// MinimumFreeGB is a free-space threshold checked when opening the
	// artefact store.
	MinimumFreeGB int
	// Device is handed to stage back-ends, "cpu" or a cuda device string.
	Device string
	// AllowDownloads permits back-ends to fetch missing model data.
	AllowDownloads bool

	// Worker counts per queue. All must be positive.
	MainWorkers int
	BoxWorkers  int
	OCRWorkers  int
	TSLWorkers  int

	// TSLBatchTimeout is the translation batch coalescing window.
	TSLBatchTimeout time.Duration

	// AutocreateLanguages seeds the built-in language rows at startup.
	AutocreateLanguages bool
	// AutocreateModels seeds model rows for the compiled-in back-ends.
	AutocreateModels bool
	// LoadOnStart restores the previous serving state: "last", "most" or
	// empty to start cold.
	LoadOnStart string

	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

func (c *Config) applyDefaults() error {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.BasePath == "" && c.DBPath == "" && !c.InMemory {
		return fmt.Errorf("ocrtsl: a base path or db path must be configured")
	}
	if c.DBPath == "" {
		c.DBPath = c.BasePath + "/db"
	}
	if c.DataDir == "" {
		c.DataDir = c.BasePath + "/models"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.MainWorkers == 0 {
		c.MainWorkers = 4
	}
	if c.BoxWorkers == 0 {
		c.BoxWorkers = 1
	}
	if c.OCRWorkers == 0 {
		c.OCRWorkers = 1
	}
	if c.TSLWorkers == 0 {
		c.TSLWorkers = 1
	}
	for _, n := range []int{c.MainWorkers, c.BoxWorkers, c.OCRWorkers, c.TSLWorkers} {
		if n < 0 {
			return fmt.Errorf("ocrtsl: worker counts must be positive")
		}
	}
	if c.TSLBatchTimeout <= 0 {
		c.TSLBatchTimeout = 500 * time.Millisecond
	}
	return nil
}

// Server is the main handle. It owns the artefact store, the four worker
// queues and the serving state.
type Server struct {
	log    *slog.Logger
	config Config

	store    *store.Store
	registry *registry.Registry
	pipe     *pipeline.Pipeline
	tslDrv   *driver.TSL

	pools []*msgq.WorkerPool

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a server handle. New does not perform I/O or start worker
// goroutines; call Start.
func New(config Config) (*Server, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &Server{
		log:    config.Logger,
		config: config,
	}, nil
}

// Start opens the artefact store, seeds it, spins up the worker pools and
// restores the previous serving state. Start is safe to call multiple
// times; only the first call has effect.
func (s *Server) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		st, err := store.Open(store.Config{
			Path:          s.config.DBPath,
			InMemory:      s.config.InMemory,
			MinimumFreeGB: uint(s.config.MinimumFreeGB),
			Logger:        s.log,
		})
		if err != nil {
			startErr = fmt.Errorf("opening artefact store: %w", err)
			return
		}
		s.store = st

		if s.config.AutocreateLanguages {
			if err := seedLanguages(st); err != nil {
				startErr = fmt.Errorf("seeding languages: %w", err)
				return
			}
		}
		if s.config.AutocreateModels {
			if err := seedModels(st); err != nil {
				startErr = fmt.Errorf("seeding models: %w", err)
				return
			}
		}

		s.registry = registry.New(registry.Config{
			Store:          st,
			Device:         s.config.Device,
			DataDir:        s.config.DataDir,
			AllowDownloads: s.config.AllowDownloads,
			Logger:         s.log,
		})

		mainQ, err := msgq.NewQueue(msgq.Config{})
		if err != nil {
			startErr = err
			return
		}
		boxQ, err := msgq.NewQueue(msgq.Config{})
		if err != nil {
			startErr = err
			return
		}
		ocrQ, err := msgq.NewQueue(msgq.Config{})
		if err != nil {
			startErr = err
			return
		}
		tslQ, err := msgq.NewQueue(msgq.Config{
			AllowBatching: true,
			BatchTimeout:  s.config.TSLBatchTimeout,
			BatchArgs:     []int{0},
		})
		if err != nil {
			startErr = err
			return
		}

		for _, pq := range []struct {
			queue   *msgq.Queue
			workers int
		}{
			{mainQ, s.config.MainWorkers},
			{boxQ, s.config.BoxWorkers},
			{ocrQ, s.config.OCRWorkers},
			{tslQ, s.config.TSLWorkers},
		} {
			pool := msgq.NewWorkerPool(pq.queue, msgq.WorkerConfig{
				WorkerCount: pq.workers,
				Logger:      s.log,
			})
			pool.Start()
			s.pools = append(s.pools, pool)
		}

		s.tslDrv = driver.NewTSL(st, tslQ, s.log)
		s.pipe = pipeline.New(pipeline.Config{
			Store:     st,
			Registry:  s.registry,
			MainQueue: mainQ,
			Box:       driver.NewBox(st, boxQ, s.log),
			OCR:       driver.NewOCR(st, ocrQ, s.log),
			TSL:       s.tslDrv,
			Logger:    s.log,
		})

		if policy := s.config.LoadOnStart; policy != "" && policy != "false" {
			if policy == "true" {
				policy = "last"
			}
			if err := s.registry.RestoreStartupState(policy); err != nil {
				s.log.Warn("restoring startup state", "error", err)
			}
		}

		s.started.Store(true)
		s.log.Info("ocrtsl server started", "db", s.config.DBPath, "device", s.config.Device)
	})
	return startErr
}

// Run starts the server, blocks until ctx is canceled and then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops the worker pools, unloads the models and closes the artefact
// store. Close is idempotent.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.started.Store(false)
		s.closed.Store(true)
		for _, pool := range s.pools {
			pool.Stop()
		}
		if s.registry != nil {
			if err := s.registry.UnloadAll(); err != nil {
				closeErr = errors.Join(closeErr, err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("closing artefact store: %w", err))
			}
		}
		s.log.Info("ocrtsl server closed")
	})
	return closeErr
}

func (s *Server) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Store exposes the artefact store for read-side endpoints and tests.
func (s *Server) Store() (*store.Store, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store, nil
}

// Registry exposes the serving-state registry.
func (s *Server) Registry() (*registry.Registry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry, nil
}

// Work runs the full pipeline over an image.
func (s *Server) Work(req pipeline.Request) ([]pipeline.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.pipe.Work(req)
}

// Lazy serves a pipeline request from cache only.
func (s *Server) Lazy(req pipeline.Request) ([]pipeline.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.pipe.Lazy(req)
}

// Translate runs only the translation stage over raw text.
func (s *Server) Translate(content string, opts types.Options, favorManual bool) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.pipe.Translate(content, opts, favorManual)
}

// SetManualTranslation records a user-supplied translation for a known
// text under the active language pair.
func (s *Server) SetManualTranslation(content, translation string) error {
	if err := s.ready(); err != nil {
		return err
	}
	src, dst, err := s.registry.Languages()
	if err != nil {
		return err
	}
	text, err := s.store.FindText(content)
	if err != nil {
		return err
	}
	return s.tslDrv.SetManual(text.ID, src, dst, translation)
}

// Translations returns every recorded translation of a text, keyed by the
// model that produced it.
func (s *Server) Translations(content string) (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	text, err := s.store.FindText(content)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.TranslationsForText(text.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(runs))
	for _, run := range runs {
		translated, err := s.store.GetText(run.Result)
		if err != nil {
			return nil, err
		}
		out[run.Key.Model] = translated.Text
	}
	return out, nil
}
