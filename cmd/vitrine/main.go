package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	dimStyle  = lipgloss.NewStyle().Faint(true)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func main() {
	root := &cobra.Command{
		Use:           "vitrine",
		Short:         "vitrine — local display server for research agents",
		Long:          "Runs the per-project card display server and manages its studies and exports.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		startCmd(),
		stopCmd(),
		restartCmd(),
		statusCmd(),
		studiesCmd(),
		cleanCmd(),
		exportCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
