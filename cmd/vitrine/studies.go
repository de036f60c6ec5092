package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/study"
)

func studiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "studies",
		Short: "List studies in this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := projectManager()
			if err != nil {
				return err
			}
			infos := m.ListStudies()
			if len(infos) == 0 {
				fmt.Println(dimStyle.Render("> no studies yet"))
				return nil
			}
			for _, info := range infos {
				line := fmt.Sprintf("%-24s  %3d cards  %s", info.Label, info.CardCount, dimStyle.Render(info.StartTime))
				if info.OutputDir != "" {
					line += dimStyle.Render("  output:" + info.OutputDir)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean OLDER_THAN",
		Short: "Delete studies older than an age like 7d or 12h",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := projectManager()
			if err != nil {
				return err
			}
			n, err := m.CleanStudies(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s removed %d studies\n", okStyle.Render("✓"), n)
			return nil
		},
	}
}

// projectManager opens the study tree directly; these commands work with or
// without a running server.
func projectManager() (*study.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return study.New(cfg.DataDir)
}
