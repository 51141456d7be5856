package search

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
)

// ErrNoCollection means a search domain has no tool collection configured.
// It is always wrapped in an llm.FatalError.
var ErrNoCollection = errors.New("no tool collection configured")

// Registry loads and caches collections from a config directory
type Registry struct {
	dir         string
	connect     Connector
	rateLimit   float64
	callTimeout time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	collections map[string]*Collection
}

func NewRegistry(dir string, connect Connector, rateLimit float64, callTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		dir:         dir,
		connect:     connect,
		rateLimit:   rateLimit,
		callTimeout: callTimeout,
		logger:      logger.Named("search"),
		collections: make(map[string]*Collection),
	}
}

// Get returns the collection declared in file, loading it on first use.
// A missing or invalid file is a fatal configuration error.
func (r *Registry) Get(file string) (*Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.collections[file]; ok {
		return c, nil
	}
	if file == "" {
		return nil, llm.NewFatalError(ErrNoCollection)
	}

	cfg, err := LoadCollectionConfig(filepath.Join(r.dir, file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, llm.NewFatalError(fmt.Errorf("%w: %s", ErrNoCollection, file))
		}
		return nil, llm.NewFatalError(err)
	}

	name := file[:len(file)-len(filepath.Ext(file))]
	c := NewCollection(name, cfg, r.connect, r.rateLimit, r.callTimeout, r.logger)
	r.collections[file] = c
	return c, nil
}

// Close shuts down every loaded collection
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.collections {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
