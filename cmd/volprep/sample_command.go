package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volprep/internal/models"
	"volprep/pkg/datamodule"
	"volprep/pkg/dataset"
)

func newSampleCommand(ctx *commandContext) *cobra.Command {
	var splitFlag string
	var index int

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Load one processed sample and describe it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := setupSplit(cmd, ctx, splitFlag)
			if err != nil {
				return err
			}
			s, err := ds.Get(cmd.Context(), index)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeSample(s))
			return nil
		},
	}

	cmd.Flags().StringVar(&splitFlag, "split", "train", "Split to read: train, val or test")
	cmd.Flags().IntVarP(&index, "index", "i", 0, "Sample index within the split")
	return cmd
}

// setupSplit sets up the stage owning split and returns its dataset.
func setupSplit(cmd *cobra.Command, ctx *commandContext, name string) (*dataset.Dataset, error) {
	split := models.Split(name)
	if !split.Valid() {
		return nil, fmt.Errorf("unknown split %q", name)
	}
	stage := datamodule.StageFit
	if split == models.SplitTest {
		stage = datamodule.StageTest
	}
	dm, err := ctx.dataModule()
	if err != nil {
		return nil, err
	}
	if err := dm.Setup(cmd.Context(), stage); err != nil {
		return nil, err
	}
	return dm.Split(split), nil
}

func describeSample(s *dataset.Sample) string {
	m := s.Meta
	rows := [][]string{
		{"sample_id", m.SampleID},
		{"image", fmt.Sprint(s.Image.Shape())},
		{"label", fmt.Sprint(s.Label.Shape())},
		{"size", humanize.Bytes(s.Image.Bytes() + s.Label.Bytes())},
		{"original_shape", fmt.Sprint(m.OriginalShape)},
		{"original_spacing", formatSpacing(m.OriginalSpacing[:])},
		{"resampled_spacing", formatSpacing(spacingOf(m.ResampledAffine.Spacing()))},
		{"resampled_origin", formatPoint(m.ResampledAffine.Origin())},
		{"original_origin_index", originalOriginIndex(m)},
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func spacingOf(sp [3]float64) []float64 {
	return sp[:]
}

// originalOriginIndex locates voxel (0, 0, 0) of the source volume on the
// processed grid.
func originalOriginIndex(m dataset.Meta) string {
	inv, err := m.ResampledAffine.Inverse()
	if err != nil {
		return "singular affine"
	}
	return formatPoint(inv.Apply(m.OriginalAffine.Origin()))
}
