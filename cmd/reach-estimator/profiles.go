package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/audience-reach/pkg/config"
)

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles [name]",
		Short: "List rate-limit profiles, or print one as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p, err := config.ProfileByName(args[0])
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(p)
				if err != nil {
					return fmt.Errorf("encode profile: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tLOOKUP/MIN\tLOOKUP CONC\tESTIMATE/MIN\tESTIMATE CONC\tMIN BATCH DELAY")
			for _, name := range config.ProfileNames() {
				p, _ := config.ProfileByName(name)
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
					p.Name,
					p.Lookup.CallsPerMinute, p.Lookup.MaxConcurrent,
					p.Estimate.CallsPerMinute, p.Estimate.MaxConcurrent,
					p.MinBatchDelay)
			}
			return w.Flush()
		},
	}
	return cmd
}
