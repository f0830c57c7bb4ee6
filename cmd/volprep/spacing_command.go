package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"volprep/pkg/nifti"
	"volprep/pkg/spacing"
	"volprep/pkg/table"
)

func newSpacingCommand(ctx *commandContext) *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "spacing",
		Short: "Estimate the common spacing from volume headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tbl, err := table.Load(cfg.TablePath())
			if err != nil {
				return err
			}
			records, err := tbl.Records(cfg.SplitsColumn)
			if err != nil {
				return err
			}
			var paths []string
			for _, r := range records {
				if r.ValidSegmentation {
					paths = append(paths, r.ImagePath(cfg.DatasetPath(), cfg.VolumeExt))
				}
			}

			if samples <= 0 {
				samples = cfg.SpacingSamples
			}
			est := &spacing.Estimator{
				Reader:  nifti.NewReader(),
				Samples: samples,
				Workers: cfg.WorkerCount,
			}
			sp, err := est.Estimate(cmd.Context(), paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Estimated from %d of %d volumes\n", min(samples, len(paths)), len(paths))
			fmt.Fprintf(out, "common_spacing: [%g, %g, %g]\n", sp[0], sp[1], sp[2])
			return nil
		},
	}

	cmd.Flags().IntVarP(&samples, "samples", "n", 0, "Number of headers to read (default: spacing_samples)")
	return cmd
}
