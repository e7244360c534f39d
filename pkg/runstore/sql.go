package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// runRecord is the database row for a run. Seq preserves creation order.
type runRecord struct {
	Seq         uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"not null;uniqueIndex"`
	Category    string `gorm:"not null;index"`
	SuiteType   string `gorm:"not null"`
	Status      string `gorm:"not null;index"`
	StartTime   time.Time
	EndTime     *time.Time
	Error       *string `gorm:"type:text"`
	ErrorKind   string
	DevicePath  string
	DevicesJSON string `gorm:"type:text"`
	ResultsJSON string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (runRecord) TableName() string {
	return "runs"
}

// Compile-time interface check.
var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
}

// NewSQL creates a store backed by sqlite or postgres through gorm.
func NewSQL(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &sqlStore{
		log: log.WithField("component", "runstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == config.DriverSQLite {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&runRecord{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *sqlStore) Create(ctx context.Context, run *Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&runRecord{}).
			Where("run_id = ?", run.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking run id: %w", err)
		}

		if count > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, run.ID)
		}

		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	})
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Run, error) {
	var rec runRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", id).
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return fromRecord(&rec)
}

// Update reads, mutates and writes the run inside one transaction.
func (s *sqlStore) Update(ctx context.Context, id string, fn Mutator) (*Run, error) {
	var updated *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec runRecord
		if err := tx.Where("run_id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}

			return fmt.Errorf("getting run: %w", err)
		}

		run, err := fromRecord(&rec)
		if err != nil {
			return err
		}

		if err := fn(run); err != nil {
			return err
		}

		run.ID = id

		next, err := toRecord(run)
		if err != nil {
			return err
		}

		next.Seq = rec.Seq
		next.CreatedAt = rec.CreatedAt

		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("updating run: %w", err)
		}

		updated = run

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *sqlStore) List(ctx context.Context) ([]*Run, error) {
	var recs []runRecord
	if err := s.db.WithContext(ctx).
		Order("seq ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := make([]*Run, 0, len(recs))

	for i := range recs {
		run, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}

		out = append(out, run)
	}

	return out, nil
}

func toRecord(run *Run) (*runRecord, error) {
	rec := &runRecord{
		RunID:      run.ID,
		Category:   run.Category,
		SuiteType:  run.SuiteType,
		Status:     string(run.Status),
		StartTime:  run.StartTime,
		EndTime:    run.EndTime,
		Error:      run.Error,
		ErrorKind:  string(run.ErrorKind),
		DevicePath: run.DevicePath,
	}

	if len(run.Devices) > 0 {
		data, err := json.Marshal(run.Devices)
		if err != nil {
			return nil, fmt.Errorf("encoding devices: %w", err)
		}

		rec.DevicesJSON = string(data)
	}

	if run.Results != nil {
		data, err := json.Marshal(run.Results)
		if err != nil {
			return nil, fmt.Errorf("encoding results: %w", err)
		}

		rec.ResultsJSON = string(data)
	}

	return rec, nil
}

func fromRecord(rec *runRecord) (*Run, error) {
	run := &Run{
		ID:         rec.RunID,
		Category:   rec.Category,
		SuiteType:  rec.SuiteType,
		Status:     Status(rec.Status),
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		Error:      rec.Error,
		ErrorKind:  ErrorKind(rec.ErrorKind),
		DevicePath: rec.DevicePath,
	}

	if rec.DevicesJSON != "" {
		if err := json.Unmarshal([]byte(rec.DevicesJSON), &run.Devices); err != nil {
			return nil, fmt.Errorf("decoding devices for %s: %w", rec.RunID, err)
		}
	}

	if rec.ResultsJSON != "" {
		set := result.NewSet()
		if err := json.Unmarshal([]byte(rec.ResultsJSON), set); err != nil {
			return nil, fmt.Errorf("decoding results for %s: %w", rec.RunID, err)
		}

		run.Results = set
	}

	return run, nil
}
