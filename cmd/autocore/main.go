package main

import (
	"fmt"
	"os"

	"github.com/alexchuang650730/aicore0707-sub001/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autocore",
	Short: "Automation core: workflows, tasks, MCPs, resources and monitoring",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
