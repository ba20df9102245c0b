package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eargollo/pbicatalog/internal/scan"
)

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Manage scans in the scans directory",
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		scans, err := mgr.List()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROGRESS\tCREATED")
		for _, s := range scans {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n",
				s.ScanID, s.ScanName, s.Status, s.Progress, s.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var scansShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one scan and its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		s, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		printScan(cmd, s)
		return nil
	},
}

var scansDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a scan and everything under its directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		if err := mgr.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted scan %s\n", args[0])
		return nil
	},
}

var runFilters scan.Filters
var runDescription string

var scansRunCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Create a scan and run it in the foreground",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, err := newManager()
		if err != nil {
			return err
		}
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		s, err := mgr.Create(name, runDescription)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scan %s (%s) started\n", s.ScanID, s.ScanName)

		runErr := mgr.Run(ctx, s.ScanID, runFilters)
		if final, err := mgr.Get(s.ScanID); err == nil {
			printScan(cmd, final)
		}
		return runErr
	},
}

func init() {
	f := scansRunCmd.Flags()
	f.StringVar(&runDescription, "description", "", "scan description")
	f.StringVar(&runFilters.Workspace, "workspace", "", "only workspaces whose name contains this (case-insensitive)")
	f.StringVar(&runFilters.WorkspaceID, "workspace-id", "", "only the workspace with this id")
	f.StringVar(&runFilters.Dataset, "dataset", "", "only datasets whose name contains this (case-insensitive)")
	f.StringVar(&runFilters.DatasetID, "dataset-id", "", "only the dataset with this id")

	scansCmd.AddCommand(scansListCmd, scansShowCmd, scansDeleteCmd, scansRunCmd)
}

func printScan(cmd *cobra.Command, s *scan.Scan) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", s.ScanID)
	fmt.Fprintf(out, "Name:        %s\n", s.ScanName)
	fmt.Fprintf(out, "Description: %s\n", s.Description)
	fmt.Fprintf(out, "Status:      %s (%d%%)\n", s.Status, s.Progress)
	fmt.Fprintf(out, "Created:     %s\n", s.CreatedAt.Local().Format(time.DateTime))
	if s.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:   %s\n", s.CompletedAt.Local().Format(time.DateTime))
	}
	if s.TotalWorkspaces > 0 {
		fmt.Fprintf(out, "Workspaces:  %d/%d\n", s.ProcessedWorkspaces, s.TotalWorkspaces)
		fmt.Fprintf(out, "Datasets:    %d/%d\n", s.ProcessedDatasets, s.TotalDatasets)
	}
	fmt.Fprintf(out, "Catalog:     %s\n", s.DBPath)
	if s.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:       %s\n", s.ErrorMessage)
	}
	for _, l := range s.LogMessages {
		fmt.Fprintf(out, "  %s  %s\n", l.Timestamp.Local().Format(time.TimeOnly), l.Message)
	}
}
