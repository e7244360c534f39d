package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var suitesCmd = &cobra.Command{
	Use:   "suites",
	Short: "List the available test modules and suite types",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		for _, d := range newRegistry(&cfg.Suites).Descriptors() {
			fmt.Fprintf(out, "%s (%s)\n", d.Category, d.Module)
			fmt.Fprintf(out, "  suite types: %s\n", strings.Join(d.SuiteTypes(), ", "))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(suitesCmd)
}
