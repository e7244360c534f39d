package runstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("run not found")
	// ErrAlreadyExists is returned when creating a run with a used id.
	ErrAlreadyExists = errors.New("run already exists")
)

// Mutator edits a run in place inside Update. Returning an error aborts
// the update and leaves the stored run untouched.
type Mutator func(run *Run) error

// Store is the single source of truth for runs. Every returned run is a
// copy; callers never share memory with the store.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Update applies fn atomically and returns the updated run.
	Update(ctx context.Context, id string, fn Mutator) (*Run, error)
	// List returns every run in creation order.
	List(ctx context.Context) ([]*Run, error)
}

// New creates the store selected by cfg.Driver.
func New(log logrus.FieldLogger, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemory(log), nil
	case config.DriverSQLite, config.DriverPostgres:
		return NewSQL(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
