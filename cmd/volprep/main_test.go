package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"volprep/internal/models"
	"volprep/pkg/config"
	"volprep/pkg/geometry"
	"volprep/pkg/nifti"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

// setupCLITestEnv writes a config, a five-row table and matching volumes.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataRoot = filepath.Join(base, "data")
	cfg.DatasetName = "echo"
	cfg.SplitsColumn = "split"
	cfg.CommonSpacing = config.Spacing{1, 1, 2}
	cfg.WorkerCount = 2
	cfg.Logging.Level = "error"

	configPath := filepath.Join(base, "volprep.yaml")
	if err := config.SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	var table strings.Builder
	table.WriteString(",study,view,dicom_uuid,valid_segmentation\n")
	for i := 0; i < 5; i++ {
		rec := models.SampleRecord{Study: fmt.Sprintf("patient%d", i), View: "A2C", SampleID: fmt.Sprintf("uuid%d", i)}
		fmt.Fprintf(&table, "%d,%s,%s,%s,True\n", i, rec.Study, rec.View, rec.SampleID)

		vol := models.NewVolume(6, 6, 8, geometry.FromSpacing([3]float64{1, 1, 2}))
		for j := range vol.Data {
			vol.Data[j] = float64(j % 3)
		}
		if err := nifti.Write(rec.ImagePath(cfg.DatasetPath(), cfg.VolumeExt), vol, nifti.WriteOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := nifti.Write(rec.MaskPath(cfg.DatasetPath(), cfg.VolumeExt), vol, nifti.WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(cfg.TablePath(), []byte(table.String()), 0644); err != nil {
		t.Fatal(err)
	}

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "volprep.yaml")

	out, err := runCLI(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, "Wrote default configuration") {
		t.Errorf("Unexpected output: %s", out)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxTensorVolume != 5000000 || cfg.ShapeDivisibleBy != [3]int{32, 32, 4} {
		t.Errorf("Written file does not hold the defaults: %+v", cfg)
	}

	if _, err := runCLI(t, "--config", path, "config", "init"); err == nil {
		t.Errorf("Expected an error when the file already exists")
	}
	if _, err := runCLI(t, "--config", path, "config", "init", "--overwrite"); err != nil {
		t.Errorf("Overwrite failed: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, "--config", env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("Unexpected output: %s", out)
	}

	env.cfg.ShapeDivisibleBy = [3]int{0, 32, 4}
	if err := config.SaveConfig(env.cfg, env.configPath); err != nil {
		t.Fatal(err)
	}
	_, err = runCLI(t, "--config", env.configPath, "config", "validate")
	if !models.IsConfigurationError(err) {
		t.Errorf("Expected a ConfigurationError, got %v", err)
	}
}

func TestSetupCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, "--config", env.configPath, "setup")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	for _, want := range []string{"train", "val", "test", "Common spacing: 1 x 1 x 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

// TestMissingConfigFile verifies that a named config file must exist
func TestMissingConfigFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	_, err := runCLI(t, "--config", missing, "setup")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected a not-found error for %s, got %v", missing, err)
	}
}

func TestSpacingCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, "--config", env.configPath, "spacing", "-n", "3")
	if err != nil {
		t.Fatalf("spacing failed: %v", err)
	}
	if !strings.Contains(out, "Estimated from 3 of 5 volumes") || !strings.Contains(out, "[1, 1, 2]") {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestSampleCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, "--config", env.configPath, "sample", "--split", "test")
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	if !strings.Contains(out, "[1 1 32 32 8]") || !strings.Contains(out, "[6 6 8]") {
		t.Errorf("Unexpected output: %s", out)
	}
	// Six columns padded to 32 leave 13 on each side
	if !strings.Contains(out, "(-13, -13, 0)") || !strings.Contains(out, "(13, 13, 0)") {
		t.Errorf("Expected the padded origin and source offset: %s", out)
	}

	if _, err := runCLI(t, "--config", env.configPath, "sample", "--split", "holdout"); err == nil {
		t.Errorf("Expected an error for an unknown split")
	}
}

func TestExportCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	outDir := filepath.Join(env.baseDir, "export")
	out, err := runCLI(t, "--config", env.configPath, "export", "--split", "test", "--out", outDir)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(out, "Exported 1 samples as 2 files") {
		t.Errorf("Unexpected output: %s", out)
	}

	// Files are grouped by study
	files, err := filepath.Glob(filepath.Join(outDir, "test", "patient*", "uuid*.nii.gz"))
	if err != nil || len(files) != 2 {
		t.Fatalf("Expected 2 exported files, got %v (%v)", files, err)
	}
	for _, f := range files {
		h, err := nifti.NewReader().ReadHeader(context.Background(), f)
		if err != nil {
			t.Fatalf("ReadHeader(%s): %v", f, err)
		}
		if h.Shape != [3]int{32, 32, 8} {
			t.Errorf("%s: expected shape [32 32 8], got %v", f, h.Shape)
		}
	}
}
