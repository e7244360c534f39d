package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/fsutil"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/sirupsen/logrus"
)

// localExporter writes <dir>/<category>/<run_id>.json.
type localExporter struct {
	log   logrus.FieldLogger
	cfg   *config.LocalExportConfig
	owner *fsutil.OwnerConfig
}

// Ensure interface compliance.
var _ Exporter = (*localExporter)(nil)

// NewLocal creates an exporter writing JSON files under cfg.Dir.
func NewLocal(log logrus.FieldLogger, cfg *config.LocalExportConfig) (Exporter, error) {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing owner: %w", err)
	}

	return &localExporter{
		log:   log.WithField("component", "local-exporter"),
		cfg:   cfg,
		owner: owner,
	}, nil
}

func (e *localExporter) Name() string {
	return "local"
}

func (e *localExporter) Preflight(_ context.Context) error {
	if err := fsutil.MkdirAll(e.cfg.Dir, 0o755, e.owner); err != nil {
		return fmt.Errorf("creating export directory %s: %w", e.cfg.Dir, err)
	}

	return nil
}

func (e *localExporter) Export(ctx context.Context, run *runstore.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(e.cfg.Dir, run.Category)
	if err := fsutil.MkdirAll(dir, 0o755, e.owner); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	path := e.path(run)
	if err := fsutil.WriteFileAtomic(path, data, 0o644, e.owner); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	e.log.WithField("path", path).Info("Run results written")

	return nil
}

func (e *localExporter) path(run *runstore.Run) string {
	return filepath.Join(e.cfg.Dir, run.Category, run.ID+".json")
}

// ReadLocal loads a previously exported run.
func ReadLocal(path string) (*runstore.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var run runstore.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return &run, nil
}
