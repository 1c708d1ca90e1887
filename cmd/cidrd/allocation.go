package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAllocationCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "allocation",
		Aliases: []string{"allocations"},
		Short:   "Inspect and release allocations",
	}

	var region, environment string
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the allocations of a region and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			allocations, err := svc.engine.List(cmd.Context(), region, environment)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(allocations)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CIDR\tACCOUNT\tREQUESTOR\tSTACK\tRESOURCE\tCREATED")
			for _, al := range allocations {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
					al.CIDR, al.AccountID, al.Requestor, al.CorrelationID, al.AttachedResourceID,
					al.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&region, "region", "r", "", "region to list")
	list.Flags().StringVarP(&environment, "environment", "e", "", "environment to list")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	_ = list.MarkFlagRequired("region")
	_ = list.MarkFlagRequired("environment")

	utilization := &cobra.Command{
		Use:   "utilization",
		Short: "Report how much of a scope's pool is allocated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.engine.Utilization(cmd.Context(), region, environment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %d%% used, %s of %s addresses free, %d allocations\n",
				report.Region, report.Environment, report.UsedPercent,
				report.FreeAddresses, report.TotalAddresses, report.Allocations)
			return nil
		},
	}
	utilization.Flags().StringVarP(&region, "region", "r", "", "region to report")
	utilization.Flags().StringVarP(&environment, "environment", "e", "", "environment to report")
	_ = utilization.MarkFlagRequired("region")
	_ = utilization.MarkFlagRequired("environment")

	release := &cobra.Command{
		Use:   "release CIDR",
		Short: "Release an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.engine.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, utilization, release)
	return cmd
}
