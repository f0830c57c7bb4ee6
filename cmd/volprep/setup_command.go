package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"volprep/internal/models"
	"volprep/pkg/datamodule"
)

func newSetupCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Resolve the common spacing, assign splits and build the datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := datamodule.ParseStage(stageFlag)
			if err != nil {
				return err
			}
			dm, err := ctx.dataModule()
			if err != nil {
				return err
			}
			if err := dm.Setup(cmd.Context(), stage); err != nil {
				return err
			}

			a := dm.Assignment()
			rows := make([][]string, 0, 3)
			for _, s := range []models.Split{models.SplitTrain, models.SplitVal, models.SplitTest} {
				loaded := "-"
				if ds := dm.Split(s); ds != nil {
					loaded = strconv.Itoa(ds.Len())
				}
				rows = append(rows, []string{string(s), strconv.Itoa(len(a.Of(s))), loaded})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Split", "Records", "Dataset"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
			fmt.Fprintf(out, "Common spacing: %s\n", formatSpacing(dm.CommonSpacing()))
			return nil
		},
	}

	cmd.Flags().StringVar(&stageFlag, "stage", "all", "Stage to set up: fit, test or all")
	return cmd
}
