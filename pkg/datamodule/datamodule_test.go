package datamodule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"volprep/internal/models"
	"volprep/pkg/config"
	"volprep/pkg/geometry"
	"volprep/pkg/nifti"
	"volprep/pkg/table"
)

const validRows = 10

// createTestDataset writes a table with validRows valid and two invalid
// rows, plus volumes for the valid rows when withVolumes is set. Even rows
// have spacing (1, 1, 2), odd rows (2, 2, 2).
func createTestDataset(t *testing.T, withVolumes bool) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.DatasetName = "echo"
	cfg.SplitsColumn = "split"
	cfg.WorkerCount = 3
	cfg.Seed = 42
	window := 2
	cfg.MaxWindowLen = &window

	if err := os.MkdirAll(cfg.DatasetPath(), 0755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	b.WriteString(",study,view,dicom_uuid,valid_segmentation\n")
	for i := 0; i < validRows+2; i++ {
		valid := "True"
		if i >= validRows {
			valid = "False"
		}
		fmt.Fprintf(&b, "%d,patient%d,A4C,uuid%d,%s\n", i, i/2, i, valid)
	}
	if err := os.WriteFile(cfg.TablePath(), []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}

	if !withVolumes {
		return cfg
	}
	tbl, err := table.Load(cfg.TablePath())
	if err != nil {
		t.Fatal(err)
	}
	records, err := tbl.Records("")
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range records[:validRows] {
		sp := [3]float64{1, 1, 2}
		if i%2 == 1 {
			sp = [3]float64{2, 2, 2}
		}
		vol := models.NewVolume(6, 6, 8, geometry.FromSpacing(sp))
		for j := range vol.Data {
			vol.Data[j] = float64(j % 255)
		}
		if err := nifti.Write(rec.ImagePath(cfg.DatasetPath(), cfg.VolumeExt), vol, nifti.WriteOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := nifti.Write(rec.MaskPath(cfg.DatasetPath(), cfg.VolumeExt), vol, nifti.WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func sampleIDs(recs []models.SampleRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.SampleID
	}
	sort.Strings(ids)
	return ids
}

func TestSetupCreatesAndPersistsSplits(t *testing.T) {
	cfg := createTestDataset(t, true)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageAll); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	want := []float64{1.5, 1.5, 2}
	for i, v := range m.CommonSpacing() {
		if math.Abs(v-want[i]) > 1e-9 {
			t.Errorf("Expected estimated spacing %v, got %v", want, m.CommonSpacing())
			break
		}
	}

	a := m.Assignment()
	if len(a.Train) != 8 || len(a.Val) != 1 || len(a.Test) != 1 {
		t.Fatalf("Expected 8/1/1 split, got %d/%d/%d", len(a.Train), len(a.Val), len(a.Test))
	}
	if m.Train().Len() != 8 || m.Val().Len() != 1 || m.Test().Len() != 1 {
		t.Errorf("Dataset sizes do not match the split")
	}
	if m.Train().Eval() || m.Val().Eval() || !m.Test().Eval() {
		t.Errorf("Only the test dataset should run in evaluation mode")
	}

	// The table now carries the labels; invalid rows stay unlabelled
	tbl, err := table.Load(cfg.TablePath())
	if err != nil {
		t.Fatalf("Failed to reload table: %v", err)
	}
	if !tbl.HasColumn("split") {
		t.Fatalf("Expected the split column to be written")
	}
	records, _ := tbl.Records("split")
	counts := map[models.Split]int{}
	for _, r := range records {
		counts[r.Split]++
		if !r.ValidSegmentation && r.Split != "" {
			t.Errorf("Invalid row %s should not be labelled, got %q", r.SampleID, r.Split)
		}
	}
	if counts[models.SplitTrain] != 8 || counts[models.SplitVal] != 1 || counts[models.SplitTest] != 1 {
		t.Errorf("Unexpected persisted label counts %v", counts)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	cfg := createTestDataset(t, true)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageFit); err != nil {
		t.Fatalf("Setup(fit) failed: %v", err)
	}
	first := m.Assignment()
	train := m.Train()
	if m.Test() != nil {
		t.Errorf("Test dataset should not exist after the fit stage")
	}

	if err := m.Setup(context.Background(), StageTest); err != nil {
		t.Fatalf("Setup(test) failed: %v", err)
	}
	if m.Train() != train {
		t.Errorf("Repeated setup should keep the training dataset")
	}
	if m.Test() == nil {
		t.Fatalf("Test dataset should exist after the test stage")
	}
	if fmt.Sprint(sampleIDs(first.Test)) != fmt.Sprint(sampleIDs(m.Assignment().Test)) {
		t.Errorf("Repeated setup changed the assignment")
	}

	// A new module reads the persisted labels back
	m2, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m2.Setup(context.Background(), StageAll); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	for _, s := range []models.Split{models.SplitTrain, models.SplitVal, models.SplitTest} {
		if fmt.Sprint(sampleIDs(first.Of(s))) != fmt.Sprint(sampleIDs(m2.Assignment().Of(s))) {
			t.Errorf("%s split differs after reload", s)
		}
	}
}

func TestConfiguredSpacingSkipsEstimation(t *testing.T) {
	// No volumes exist, so estimating would fail
	cfg := createTestDataset(t, false)
	cfg.CommonSpacing = config.Spacing{1, 1, 2}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageAll); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if got := m.CommonSpacing(); len(got) != 3 || got[2] != 2 {
		t.Errorf("Expected configured spacing, got %v", got)
	}
}

// TestSpacingEstimatorUnseeded verifies that the estimation subset does not
// follow the split seed
func TestSpacingEstimatorUnseeded(t *testing.T) {
	m, err := New(createTestDataset(t, false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	est := m.spacingEstimator()
	if est.Rand != nil {
		t.Errorf("Expected an unseeded estimator")
	}
	if est.Samples != m.cfg.SpacingSamples || est.Workers != m.cfg.WorkerCount {
		t.Errorf("Expected samples %d and workers %d, got %d and %d",
			m.cfg.SpacingSamples, m.cfg.WorkerCount, est.Samples, est.Workers)
	}
}

func TestSetupReportsUnreadableHeaders(t *testing.T) {
	cfg := createTestDataset(t, false)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageAll); !models.IsDataIntegrityError(err) {
		t.Errorf("Expected a DataIntegrityError, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := createTestDataset(t, false)
	cfg.ShapeDivisibleBy = [3]int{32, 0, 4}
	if _, err := New(cfg); !models.IsConfigurationError(err) {
		t.Errorf("Expected a ConfigurationError, got %v", err)
	}
}

func TestTrainLoaderBatches(t *testing.T) {
	cfg := createTestDataset(t, true)
	cfg.BatchSize = 3
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageFit); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	var sizes []int
	seen := map[int]bool{}
	err = m.TrainLoader().Run(context.Background(), func(b Batch) error {
		sizes = append(sizes, len(b.Samples))
		for i, s := range b.Samples {
			seen[b.Indices[i]] = true
			// 8 frames in windows of 2
			if got := s.Image.Shape(); got[0] != 4 || got[2] != 32 || got[3] != 32 || got[4] != 2 {
				t.Errorf("Unexpected sample shape %v", got)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fmt.Sprint(sizes) != "[3 3 2]" {
		t.Errorf("Expected batch sizes [3 3 2], got %v", sizes)
	}
	if len(seen) != 8 {
		t.Errorf("Expected every sample once, saw %d", len(seen))
	}
}

func TestLoaderPreservesOrder(t *testing.T) {
	cfg := createTestDataset(t, true)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageFit); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	l := NewLoader(m.Train(), LoaderOptions{Workers: 4, Prefetch: 2})
	var got []int
	err = l.Run(context.Background(), func(b Batch) error {
		got = append(got, b.Indices...)
		if len(b.Records) != len(b.Samples) {
			t.Fatalf("Expected one record per sample, got %d for %d", len(b.Records), len(b.Samples))
		}
		for i, s := range b.Samples {
			if s.Meta.SampleID != b.Records[i].SampleID || b.Records[i] != m.Train().Record(b.Indices[i]) {
				t.Errorf("Sample %d delivered with the wrong record", b.Indices[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fmt.Sprint(got) != "[0 1 2 3 4 5 6 7]" {
		t.Errorf("Expected in-order delivery, got %v", got)
	}
}

func TestLoaderStopsOnError(t *testing.T) {
	cfg := createTestDataset(t, true)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Setup(context.Background(), StageFit); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	train := m.Train()

	// A callback error is returned as is
	stop := errors.New("stop")
	var calls atomic.Int32
	err = NewLoader(train, LoaderOptions{Workers: 2}).Run(context.Background(), func(Batch) error {
		calls.Add(1)
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected the callback error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one callback, got %d", calls.Load())
	}

	// A missing file surfaces as a DataIntegrityError
	img, _ := train.Paths(3)
	if err := os.Remove(img); err != nil {
		t.Fatal(err)
	}
	err = NewLoader(train, LoaderOptions{Workers: 2}).Run(context.Background(), func(Batch) error { return nil })
	if !models.IsDataIntegrityError(err) {
		t.Errorf("Expected a DataIntegrityError, got %v", err)
	}
	if !strings.Contains(err.Error(), filepath.Base(img)) {
		t.Errorf("Expected the error to name %s, got %v", filepath.Base(img), err)
	}

	// A cancelled context stops the pass
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewLoader(train, LoaderOptions{}).Run(ctx, func(Batch) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestParseStage(t *testing.T) {
	cases := map[string]Stage{"fit": StageFit, "test": StageTest, "all": StageAll, "": StageAll}
	for name, want := range cases {
		got, err := ParseStage(name)
		if err != nil || got != want {
			t.Errorf("ParseStage(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseStage("predict"); err == nil {
		t.Errorf("Expected an error for an unknown stage")
	}
}
