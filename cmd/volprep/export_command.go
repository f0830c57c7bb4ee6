package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volprep/internal/models"
	"volprep/pkg/datamodule"
	"volprep/pkg/geometry"
	"volprep/pkg/nifti"
	"volprep/pkg/tensor"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var splitFlag string
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the processed samples of a split as NIfTI files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ds, err := setupSplit(cmd, ctx, splitFlag)
			if err != nil {
				return err
			}

			dir := filepath.Join(outDir, splitFlag)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			loader := datamodule.NewLoader(ds, datamodule.LoaderOptions{
				Workers: cfg.WorkerCount,
				Logger:  ctx.logger,
			})
			var files int
			var written uint64
			err = loader.Run(cmd.Context(), func(b datamodule.Batch) error {
				for i, s := range b.Samples {
					studyDir := filepath.Join(dir, b.Records[i].Study)
					if err := os.MkdirAll(studyDir, 0755); err != nil {
						return fmt.Errorf("create output directory: %w", err)
					}
					for n := 0; n < s.Image.Dim(0); n++ {
						base := filepath.Join(studyDir, fmt.Sprintf("%s_%03d", s.Meta.SampleID, n))
						if err := writeWindow(base+"_0000.nii.gz", s.Image, n, s.Meta.ResampledAffine, nifti.DTFloat32); err != nil {
							return err
						}
						if err := writeWindow(base+".nii.gz", s.Label, n, s.Meta.ResampledAffine, nifti.DTUint8); err != nil {
							return err
						}
						files += 2
					}
					written += s.Image.Bytes() + s.Label.Bytes()
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d samples as %d files (%s of tensors) to %s\n",
				ds.Len(), files, humanize.Bytes(written), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&splitFlag, "split", "test", "Split to export: train, val or test")
	cmd.Flags().StringVarP(&outDir, "out", "o", "export", "Output directory")
	return cmd
}

// writeWindow stores window n of a [N, 1, X, Y, W] tensor as a volume.
func writeWindow(path string, t *tensor.Tensor, n int, affine geometry.Affine, dt int16) error {
	vol := windowVolume(t, n, affine)
	return nifti.Write(path, vol, nifti.WriteOptions{Datatype: dt, Description: "volprep"})
}

func windowVolume(t *tensor.Tensor, n int, affine geometry.Affine) *models.Volume {
	x, y, w := t.Dim(2), t.Dim(3), t.Dim(4)
	vol := models.NewVolume(x, y, w, affine)
	src := t.Data[n*x*y*w : (n+1)*x*y*w]
	i := 0
	for ix := 0; ix < x; ix++ {
		for iy := 0; iy < y; iy++ {
			for k := 0; k < w; k++ {
				vol.Set(ix, iy, k, float64(src[i]))
				i++
			}
		}
	}
	return vol
}
