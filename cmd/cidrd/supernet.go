package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/cidrd/internal/domain"
)

func newSupernetCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "supernet",
		Aliases: []string{"supernets"},
		Short:   "Manage the supernet pool",
	}

	var s domain.Supernet
	add := &cobra.Command{
		Use:   "add CIDR",
		Short: "Register a supernet for a region and environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			s.CIDR = args[0]
			saved, err := svc.registry.Register(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s for %s/%s\n", saved.CIDR, saved.Region, saved.Environment)
			return nil
		},
	}
	add.Flags().StringVarP(&s.Region, "region", "r", "", "region served by the supernet")
	add.Flags().StringVarP(&s.Environment, "environment", "e", "", "environment served by the supernet")
	add.Flags().StringVarP(&s.Description, "description", "d", "", "free form description")
	_ = add.MarkFlagRequired("region")
	_ = add.MarkFlagRequired("environment")

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered supernets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			supernets, err := svc.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(supernets)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CIDR\tREGION\tENVIRONMENT\tDESCRIPTION")
			for _, s := range supernets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.CIDR, s.Region, s.Environment, s.Description)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	remove := &cobra.Command{
		Use:     "remove CIDR",
		Aliases: []string{"rm"},
		Short:   "Deregister a supernet that holds no allocations",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.registry.Deregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
