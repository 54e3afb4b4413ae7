package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/registry"
)

func newAgentsCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents of the configured registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil, flags)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg, logging.NoOpLogger{})
			if err != nil {
				return err
			}
			return writeAgents(cmd, reg.Public(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeAgents(cmd *cobra.Command, agents []registry.PublicAgent, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tRUNTIMES\tEXPORTED\tDESCRIPTION")
	for _, a := range agents {
		runtimes := make([]string, 0, len(a.Runtimes))
		for _, rt := range a.Runtimes {
			runtimes = append(runtimes, string(rt))
		}
		exported := make([]string, 0, len(a.ExportSettings))
		for rt := range a.ExportSettings {
			exported = append(exported, string(rt))
		}
		slices.Sort(exported)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ID.Name, a.ID.Version, strings.Join(runtimes, ","), orDash(strings.Join(exported, ",")), orDash(a.Description))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
