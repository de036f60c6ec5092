package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/vitrine/internal/export"
)

func exportCmd() *cobra.Command {
	var format, studyLabel string
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Write a study export (HTML document or JSON zip archive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if format == "" {
				if strings.HasSuffix(path, ".zip") {
					format = "json"
				} else {
					format = "html"
				}
			}
			m, err := projectManager()
			if err != nil {
				return err
			}
			switch format {
			case "html":
				doc, err := export.HTML(m, studyLabel)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
					return err
				}
			case "json":
				data, err := export.JSONArchive(m, studyLabel)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0644); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want html or json)", format)
			}
			fmt.Printf("%s wrote %s export to %s\n", okStyle.Render("✓"), format, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Export format: html or json (default by extension)")
	cmd.Flags().StringVar(&studyLabel, "study", "", "Export a single study (default: all)")
	return cmd
}
