// Package main provides the sidecart coordinator CLI. sidecart drives a
// live browser tab through the navigation-analysis-extraction pipeline and
// presents the resulting view state in a terminal inspector.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "sidecart",
		Short: "Shopping-assistant background coordinator",
		Long: "sidecart is the background coordinator of a shopping-assistant\n" +
			"browser surface: it watches tab navigations, classifies pages against\n" +
			"a retailer directory, orchestrates in-page extraction, and maintains\n" +
			"the per-tab view state the UI renders.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.sidecart/config.yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sidecart version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sidecart v%s\n", version)
		},
	}
}
