// Package backends instantiates storage drivers from configuration and keeps
// them by their configured name.
package backends

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/driver/ftp"
	"github.com/fruitsalade/unifile/internal/driver/local"
	"github.com/fruitsalade/unifile/internal/driver/memory"
	"github.com/fruitsalade/unifile/internal/driver/s3"
	"github.com/fruitsalade/unifile/internal/driver/sftp"
	"github.com/fruitsalade/unifile/internal/logging"
)

// New creates a Driver from a backend type string and its option map.
func New(backendType string, opts map[string]any) (driver.Driver, error) {
	switch backendType {
	case "ftp":
		return checked(ftp.NewFromOptions(opts))
	case "sftp":
		return checked(sftp.NewFromOptions(opts))
	case "s3":
		return checked(s3.NewFromOptions(opts))
	case "local":
		return checked(local.NewFromOptions(opts))
	case "memory":
		return checked(memory.NewFromOptions(opts))
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// checked returns a nil interface on error.
func checked[T driver.Driver](d T, err error) (driver.Driver, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Spec names one configured backend.
type Spec struct {
	Name    string
	Type    string
	Options map[string]any
}

// Registry resolves backend names used in routes to their drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]driver.Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]driver.Driver)}
}

// Load instantiates every spec. A backend that fails to initialize aborts the
// load; the server must not start with a partial backend set.
func Load(specs []Spec) (*Registry, error) {
	r := NewRegistry()
	for _, s := range specs {
		d, err := New(s.Type, s.Options)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", s.Name, err)
		}
		if err := r.Register(s.Name, d); err != nil {
			return nil, err
		}
		logging.Info("storage backend ready",
			zap.String("name", s.Name),
			zap.String("type", s.Type))
	}
	return r, nil
}

// Register adds a driver under name.
func (r *Registry) Register(name string, d driver.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("duplicate backend name: %s", name)
	}
	r.drivers[name] = d
	return nil
}

// Get returns the driver registered under name.
func (r *Registry) Get(name string) (driver.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Names returns the registered backend names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
