// Package splits assigns sample records to the train, val and test
// partitions, either from a labelled table column or by a seeded random
// 80/10/10 split that can be written back to the table.
package splits

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/gofrs/flock"

	"volprep/internal/logging"
	"volprep/internal/models"
	"volprep/pkg/table"
)

// TrainFraction is the share of records assigned to training when splits
// are created. The remainder is halved between val and test.
const TrainFraction = 0.8

// Assignment holds the records of each partition.
type Assignment struct {
	Train []models.SampleRecord
	Val   []models.SampleRecord
	Test  []models.SampleRecord
}

// Of returns the records of one partition.
func (a Assignment) Of(s models.Split) []models.SampleRecord {
	switch s {
	case models.SplitTrain:
		return a.Train
	case models.SplitVal:
		return a.Val
	case models.SplitTest:
		return a.Test
	}
	return nil
}

// Manager computes the assignment once; later calls return the cached
// result regardless of their arguments.
type Manager struct {
	column    string
	seed      int64
	tablePath string
	logger    *slog.Logger

	mu     sync.Mutex
	done   bool
	result Assignment
}

// NewManager returns a Manager. column may be empty, in which case created
// splits are not persisted. tablePath is where the table is rewritten.
func NewManager(column string, seed int64, tablePath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{column: column, seed: seed, tablePath: tablePath, logger: logger}
}

// Assign partitions records, which must already be filtered to valid rows.
// When the configured column exists in tbl its labels are used; otherwise
// a new split is drawn and, if a column is configured, saved to the table.
func (m *Manager) Assign(tbl *table.Table, records []models.SampleRecord) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return m.result, nil
	}

	var a Assignment
	if m.column != "" && tbl.HasColumn(m.column) {
		m.logger.Info("using split from column", "column", m.column)
		a = fromLabels(records)
	} else {
		m.logger.Info("creating new splits", "records", len(records), "seed", m.seed)
		a = Random(records, m.seed)
		if m.column != "" {
			if err := m.persist(tbl, a); err != nil {
				return Assignment{}, err
			}
		}
	}

	m.result, m.done = a, true
	m.logger.Info("split sizes", "train", len(a.Train), "val", len(a.Val), "test", len(a.Test))
	return a, nil
}

func fromLabels(records []models.SampleRecord) Assignment {
	var a Assignment
	for _, r := range records {
		switch r.Split {
		case models.SplitTrain:
			a.Train = append(a.Train, r)
		case models.SplitVal:
			a.Val = append(a.Val, r)
		case models.SplitTest:
			a.Test = append(a.Test, r)
		}
	}
	return a
}

// Random shuffles records with the seed and splits them: the first
// floor(0.8n) go to train, the rest are halved with the odd record going
// to test.
func Random(records []models.SampleRecord, seed int64) Assignment {
	shuffled := append([]models.SampleRecord(nil), records...)
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nTrain := int(float64(len(shuffled)) * TrainFraction)
	rest := shuffled[nTrain:]
	nVal := len(rest) / 2

	a := Assignment{
		Train: shuffled[:nTrain:nTrain],
		Val:   rest[:nVal:nVal],
		Test:  rest[nVal:],
	}
	for _, p := range []struct {
		recs  []models.SampleRecord
		split models.Split
	}{{a.Train, models.SplitTrain}, {a.Val, models.SplitVal}, {a.Test, models.SplitTest}} {
		for i := range p.recs {
			p.recs[i].Split = p.split
		}
	}
	return a
}

// persist writes the labels into the table file under an exclusive file
// lock so concurrent setups do not interleave rewrites.
func (m *Manager) persist(tbl *table.Table, a Assignment) error {
	if m.tablePath == "" {
		return fmt.Errorf("cannot save splits to column %q: no table path", m.column)
	}
	lock := flock.New(m.tablePath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock table: %w", err)
	}
	defer lock.Unlock()

	labels := make(map[string]string, len(a.Train)+len(a.Val)+len(a.Test))
	for _, s := range []models.Split{models.SplitTrain, models.SplitVal, models.SplitTest} {
		for _, r := range a.Of(s) {
			labels[r.Index] = string(s)
		}
	}
	tbl.SetColumn(m.column, labels)
	if err := tbl.Save(m.tablePath); err != nil {
		return fmt.Errorf("save splits to %s: %w", m.tablePath, err)
	}
	m.logger.Info("saved new split", "column", m.column, "table", m.tablePath)
	return nil
}
