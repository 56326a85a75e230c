// epigenctl is the operator CLI for the epigen coordinator: detect and
// snapshot for ad hoc data-plane testing, plus check/export/reload/flatten
// for administrative inspection and store migration over HTTP.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arlen-kass/epigen/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var server string

	root := &cobra.Command{
		Use:   "epigenctl",
		Short: "Operator CLI for the epigen adaptive policy coordinator",
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", "http://localhost:8080", "coordinator base URL")

	root.AddCommand(newDetectCmd(&server))
	root.AddCommand(newSnapshotCmd(&server))
	root.AddCommand(newCheckCmd(&server))
	root.AddCommand(newExportCmd(&server))
	root.AddCommand(newReloadCmd(&server))
	root.AddCommand(newFlattenCmd(&server))
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newDetectCmd(server *string) *cobra.Command {
	var serviceID, path string
	var anomaly, entropy, frequency float64
	var depth int
	var depthSet bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Submit one detect request and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.DetectRequest{
				ServiceID: serviceID,
				Path:      path,
				Features: protocol.DetectFeatures{
					Anomaly:   anomaly,
					Entropy:   entropy,
					Frequency: frequency,
				},
			}
			if depthSet {
				req.Features.Depth = &depth
			}

			client := newAPIClient(*server)
			resp, err := client.detect(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to query (required)")
	cmd.Flags().StringVar(&path, "path", "", "dotted field path to check (required)")
	cmd.Flags().Float64Var(&anomaly, "anomaly", 0, "anomaly feature [0,1]")
	cmd.Flags().Float64Var(&entropy, "entropy", 0, "entropy feature [0,1]")
	cmd.Flags().Float64Var(&frequency, "frequency", 0, "frequency feature [0,1]")
	cmd.Flags().IntVar(&depth, "depth", 0, "override the derived path depth")
	cmd.Flags().BoolVar(&depthSet, "depth-set", false, "set to override depth explicitly rather than deriving it from path")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func newSnapshotCmd(server *string) *cobra.Command {
	var serviceID string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch the current (or freshly compiled) snapshot manifest for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			manifest, err := client.snapshot(cmd.Context(), serviceID)
			if err != nil {
				return err
			}
			return printJSON(manifest)
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to query (required)")
	_ = cmd.MarkFlagRequired("service")

	return cmd
}

func newCheckCmd(server *string) *cobra.Command {
	var serviceID, path string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the live store whether a path is currently allowed, without running the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			result, err := client.check(cmd.Context(), serviceID, path)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to query (required)")
	cmd.Flags().StringVar(&path, "path", "", "dotted field path to check (required)")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func newExportCmd(server *string) *cobra.Command {
	var serviceID, outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a service's store to an EPE1 binary file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			client := newAPIClient(*server)
			if err := client.export(cmd.Context(), serviceID, f); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to export (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (required)")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func newReloadCmd(server *string) *cobra.Command {
	var serviceID, inPath string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Replace a service's store from an EPE1 binary file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(inPath)
			if err != nil {
				return err
			}
			defer f.Close()

			client := newAPIClient(*server)
			if err := client.reload(cmd.Context(), serviceID, f); err != nil {
				return err
			}
			fmt.Printf("reloaded %s from %s\n", serviceID, inPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to reload (required)")
	cmd.Flags().StringVar(&inPath, "in", "", "input EPE1 file path (required)")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func newFlattenCmd(server *string) *cobra.Command {
	var serviceID, outPath string

	cmd := &cobra.Command{
		Use:   "flatten",
		Short: "Fetch the compiled snapshot in the binary data-plane lookup ABI",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			client := newAPIClient(*server)
			if err := client.flatten(cmd.Context(), serviceID, f); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service_id to flatten (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (required)")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print epigenctl's build metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("epigenctl %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
