package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethpandaops/dvtoor/pkg/orchestrator"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/spf13/cobra"
)

var (
	runCategory  string
	runSuiteType string
	runDevice    string
	runDevices   []string
	runParams    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one suite and print its result",
	Long: `Run a single validation suite in the foreground and print the final
run record as JSON. Interrupting the command cancels the run.`,
	Example: `  dvtoor run --category boot_drive --suite-type ubuntu --device /dev/nvme0n1
  dvtoor run --category data_drive --device /dev/sda --devices /dev/sda,/dev/sdb
  dvtoor run --category system_robustness --suite-type ac_power_cycle \
    --device /dev/nvme0n1 --param ac_power_cycles=10`,
	RunE: runSuite,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCategory, "category", "",
		"suite category (boot_drive, data_drive, system_robustness, certification)")
	runCmd.Flags().StringVar(&runSuiteType, "suite-type", suite.TypeFull, "suite type within the category")
	runCmd.Flags().StringVar(&runDevice, "device", "", "target device path")
	runCmd.Flags().StringSliceVar(&runDevices, "devices", nil,
		"devices for multi-device suites (comma-separated or repeated flag)")
	runCmd.Flags().StringSliceVar(&runParams, "param", nil,
		"suite parameter as key=value; JSON values are decoded (can be repeated)")

	_ = runCmd.MarkFlagRequired("category")
	_ = runCmd.MarkFlagRequired("device")
}

func runSuite(cmd *cobra.Command, args []string) error {
	// Stdout carries the result document.
	log.SetOutput(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	category, err := suite.ParseCategory(runCategory)
	if err != nil {
		return err
	}

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.stop()

	run, err := svc.orch.Submit(ctx, orchestrator.Request{
		Category:  category,
		SuiteType: runSuiteType,
		Params: suite.Params{
			DevicePath: runDevice,
			Devices:    runDevices,
			Parameters: params,
		},
	})
	if err != nil {
		return fmt.Errorf("submitting run: %w", err)
	}

	final, err := svc.orch.Wait(ctx, run.ID)
	if errors.Is(err, orchestrator.ErrUnrecorded) {
		return err
	}

	if err != nil {
		// Interrupted: cancel and report the cancelled run.
		if _, cerr := svc.orch.Cancel(context.Background(), run.ID); cerr != nil {
			log.WithError(cerr).Debug("Run already finished")
		}

		final, err = svc.orch.Wait(context.Background(), run.ID)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if err := enc.Encode(final); err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	if final.Status == runstore.StatusFailed {
		return fmt.Errorf("run %s failed: %s", final.ID, *final.Error)
	}

	return nil
}

// parseParams turns key=value pairs into the open parameter map. Values
// that parse as JSON keep their type so numbers and lists reach the suite
// intact; anything else is passed as a string.
func parseParams(entries []string) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(entries))

	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: must be key=value", entry)
		}

		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}

		params[k] = decoded
	}

	return params, nil
}
