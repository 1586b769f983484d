package main

import (
	"context"
	"fmt"
	"os"

	"github.com/leadflow/leadflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "Workflow automation for leads, organizations and subscriptions",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
