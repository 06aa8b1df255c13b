package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/oriys/polaris/internal/modules"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sirius",
		Short: "Sirius scan worker",
		Long:  "Pulls scan tasks from the coordinator, runs the data source modules against each domain, and reports finished scans",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(
		daemonCmd(),
		modulesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the known data source modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			mods := modules.All(modules.Deps{})
			sort.Slice(mods, func(i, j int) bool { return mods[i].Name() < mods[j].Name() })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tDEPENDS ON")
			for _, mod := range mods {
				deps := strings.Join(mod.Dependencies(), ", ")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", mod.Name(), mod.Version(), deps)
			}
			return w.Flush()
		},
	}
}
