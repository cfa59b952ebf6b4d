package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/rpc"
)

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers <service>",
		Short: "List registered providers of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			reg, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			if reg == nil {
				return fmt.Errorf("registry is disabled")
			}
			defer reg.Close()

			urls, err := reg.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				fmt.Printf("No providers registered for %s\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APPLICATION\tPROTOCOL\tADDRESS\tURL")
			for _, u := range urls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", orDash(u.Param(rpc.ParamApplication)), u.Protocol, u.Address(), truncate(u.String(), 80))
			}
			return w.Flush()
		},
	}
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
