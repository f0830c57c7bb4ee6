// Package datamodule wires the table, split manager, spacing estimator and
// datasets together. Setup runs once per stage on a single goroutine;
// afterwards the datasets are read-only and can be served by a Loader.
package datamodule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"volprep/internal/logging"
	"volprep/internal/models"
	"volprep/pkg/config"
	"volprep/pkg/dataset"
	"volprep/pkg/nifti"
	"volprep/pkg/spacing"
	"volprep/pkg/splits"
	"volprep/pkg/table"
)

// Stage selects which datasets Setup builds.
type Stage int

const (
	// StageFit builds the training and validation datasets
	StageFit Stage = iota
	// StageTest builds the test dataset
	StageTest
	// StageAll builds all three
	StageAll
)

func (s Stage) String() string {
	switch s {
	case StageFit:
		return "fit"
	case StageTest:
		return "test"
	case StageAll:
		return "all"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ParseStage maps a stage name to a Stage.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "fit":
		return StageFit, nil
	case "test":
		return StageTest, nil
	case "", "all":
		return StageAll, nil
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Reader loads volumes and headers. *nifti.Reader satisfies it.
type Reader interface {
	dataset.VolumeReader
	spacing.HeaderReader
}

// DataModule owns the per-split datasets of one dataset directory.
type DataModule struct {
	cfg    *config.Config
	reader Reader
	logger *slog.Logger
	table  *table.Table
	splits *splits.Manager

	mu         sync.Mutex
	records    []models.SampleRecord
	spacing    []float64
	assignment splits.Assignment
	train      *dataset.Dataset
	val        *dataset.Dataset
	test       *dataset.Dataset
}

// Option customizes a DataModule.
type Option func(*DataModule)

// WithReader replaces the NIfTI reader.
func WithReader(r Reader) Option {
	return func(m *DataModule) { m.reader = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *DataModule) { m.logger = l }
}

// New validates cfg and loads the sample table.
func New(cfg *config.Config, opts ...Option) (*DataModule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &DataModule{cfg: cfg, reader: nifti.NewReader(), logger: logging.NewNop()}
	for _, opt := range opts {
		opt(m)
	}

	tbl, err := table.Load(cfg.TablePath())
	if err != nil {
		return nil, err
	}
	m.table = tbl
	m.splits = splits.NewManager(cfg.SplitsColumn, cfg.Seed, cfg.TablePath(), m.logger)
	m.logger.Info("loaded sample table", "path", cfg.TablePath(), "rows", tbl.Len())
	return m, nil
}

// Setup prepares the datasets of stage. The common spacing and the split
// assignment are resolved on the first call and reused afterwards.
func (m *DataModule) Setup(ctx context.Context, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records == nil {
		records, err := m.validRecords()
		if err != nil {
			return err
		}
		m.records = records
	}

	if m.spacing == nil {
		sp, err := m.resolveSpacing(ctx)
		if err != nil {
			return err
		}
		m.spacing = sp
	}

	a, err := m.splits.Assign(m.table, m.records)
	if err != nil {
		return err
	}
	m.assignment = a

	if (stage == StageFit || stage == StageAll) && m.train == nil {
		if m.train, err = m.newDataset(a.Train, false); err != nil {
			return fmt.Errorf("train dataset: %w", err)
		}
		if m.val, err = m.newDataset(a.Val, false); err != nil {
			return fmt.Errorf("val dataset: %w", err)
		}
	}
	if (stage == StageTest || stage == StageAll) && m.test == nil {
		if m.test, err = m.newDataset(a.Test, true); err != nil {
			return fmt.Errorf("test dataset: %w", err)
		}
	}
	m.logger.Info("setup complete", "stage", stage, "common_spacing", m.spacing)
	return nil
}

// validRecords returns the table rows with a valid segmentation.
func (m *DataModule) validRecords() ([]models.SampleRecord, error) {
	all, err := m.table.Records(m.cfg.SplitsColumn)
	if err != nil {
		return nil, err
	}
	valid := make([]models.SampleRecord, 0, len(all))
	for _, r := range all {
		if r.ValidSegmentation {
			valid = append(valid, r)
		}
	}
	if dropped := len(all) - len(valid); dropped > 0 {
		m.logger.Info("dropped rows without a valid segmentation", "dropped", dropped, "kept", len(valid))
	}
	return valid, nil
}

func (m *DataModule) resolveSpacing(ctx context.Context) ([]float64, error) {
	if sp, ok := m.cfg.CommonSpacing.Array(); ok {
		return sp[:], nil
	}
	paths := make([]string, len(m.records))
	for i, r := range m.records {
		paths[i] = r.ImagePath(m.cfg.DatasetPath(), m.cfg.VolumeExt)
	}
	est := m.spacingEstimator()
	m.logger.Info("estimating common spacing", "records", len(paths), "samples", min(m.cfg.SpacingSamples, len(paths)))
	sp, err := est.Estimate(ctx, paths)
	if err != nil {
		return nil, err
	}
	m.logger.Info("estimated common spacing", "spacing", sp)
	return sp[:], nil
}

// spacingEstimator draws a fresh subset on every run; the persisted
// spacing is what keeps later runs consistent.
func (m *DataModule) spacingEstimator() *spacing.Estimator {
	return &spacing.Estimator{
		Reader:  m.reader,
		Samples: m.cfg.SpacingSamples,
		Workers: m.cfg.WorkerCount,
	}
}

func (m *DataModule) newDataset(records []models.SampleRecord, eval bool) (*dataset.Dataset, error) {
	opts := dataset.Options{
		Root:               m.cfg.DatasetPath(),
		VolumeExt:          m.cfg.VolumeExt,
		CommonSpacing:      m.spacing,
		MaxWindowLen:       m.cfg.MaxWindowLen,
		MaxBatchSize:       m.cfg.MaxBatchSize,
		MaxTensorVolume:    m.cfg.MaxTensorVolume,
		ShapeDivisibleBy:   m.cfg.ShapeDivisibleBy,
		UseDatasetFraction: m.cfg.UseDatasetFraction,
		Eval:               eval,
		Seed:               m.cfg.Seed,
		ReadTimeout:        m.cfg.ReadTimeout,
		Reader:             m.reader,
		Logger:             m.logger,
	}
	return dataset.New(records, opts)
}

// CommonSpacing returns the resolved spacing, nil before Setup.
func (m *DataModule) CommonSpacing() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.spacing...)
}

// Assignment returns the split assignment computed by Setup.
func (m *DataModule) Assignment() splits.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignment
}

// Train returns the training dataset, nil before Setup(StageFit).
func (m *DataModule) Train() *dataset.Dataset { return m.get(&m.train) }

// Val returns the validation dataset, nil before Setup(StageFit).
func (m *DataModule) Val() *dataset.Dataset { return m.get(&m.val) }

// Test returns the test dataset, nil before Setup(StageTest).
func (m *DataModule) Test() *dataset.Dataset { return m.get(&m.test) }

func (m *DataModule) get(p **dataset.Dataset) *dataset.Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *p
}

// Split returns the dataset of one partition.
func (m *DataModule) Split(s models.Split) *dataset.Dataset {
	switch s {
	case models.SplitTrain:
		return m.Train()
	case models.SplitVal:
		return m.Val()
	case models.SplitTest:
		return m.Test()
	}
	return nil
}

// TrainLoader returns a shuffling loader over the training dataset.
func (m *DataModule) TrainLoader() *Loader {
	return NewLoader(m.Train(), LoaderOptions{
		Workers:   m.cfg.WorkerCount,
		BatchSize: m.cfg.BatchSize,
		Shuffle:   true,
		Seed:      m.cfg.Seed,
		Logger:    m.logger,
	})
}

// EvalLoader returns an in-order loader over the val or test dataset.
func (m *DataModule) EvalLoader(s models.Split) *Loader {
	return NewLoader(m.Split(s), LoaderOptions{
		Workers:   m.cfg.WorkerCount,
		BatchSize: m.cfg.BatchSize,
		Logger:    m.logger,
	})
}
