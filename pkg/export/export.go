package export

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Exporter persists a terminal run outside the run store.
type Exporter interface {
	Name() string

	// Preflight verifies the destination is writable.
	Preflight(ctx context.Context) error

	Export(ctx context.Context, run *runstore.Run) error
}

// Fanout exports every run to all configured exporters in parallel.
type Fanout struct {
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	exporters []Exporter
}

// NewFanout creates a fan-out over exporters.
func NewFanout(log logrus.FieldLogger, m *metrics.Metrics, exporters ...Exporter) *Fanout {
	return &Fanout{
		log:       log.WithField("component", "export"),
		metrics:   m,
		exporters: exporters,
	}
}

// FromConfig builds the exporters enabled in cfg.
func FromConfig(log logrus.FieldLogger, cfg *config.ExportConfig) ([]Exporter, error) {
	var out []Exporter

	if cfg.Local.Enabled {
		local, err := NewLocal(log, &cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("creating local exporter: %w", err)
		}

		out = append(out, local)
	}

	if cfg.S3.Enabled {
		out = append(out, NewS3(log, &cfg.S3))
	}

	return out, nil
}

// Len returns the number of exporters.
func (f *Fanout) Len() int {
	return len(f.exporters)
}

// Preflight checks every exporter concurrently.
func (f *Fanout) Preflight(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, e := range f.exporters {
		g.Go(func() error {
			if err := e.Preflight(gctx); err != nil {
				return fmt.Errorf("%s preflight: %w", e.Name(), err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Export hands run to every exporter. One failing exporter does not stop
// the others; all failures are joined into the returned error.
func (f *Fanout) Export(ctx context.Context, run *runstore.Run) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, e := range f.exporters {
		g.Go(func() error {
			if err := e.Export(ctx, run.Clone()); err != nil {
				f.metrics.ExportFailed(e.Name())

				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
				mu.Unlock()

				return nil
			}

			f.log.WithFields(logrus.Fields{
				"exporter": e.Name(),
				"run_id":   run.ID,
			}).Debug("Run exported")

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}
