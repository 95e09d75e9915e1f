package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/remote"
)

// commandsCmd represents the commands command
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the command vocabulary",
	Long:  `Lists the command names, the byte each one writes and what the peripheral does with it.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKEY\tACTION")
		fmt.Fprintln(w, "----\t---\t------")
		for _, b := range remote.Buttons() {
			fmt.Fprintf(w, "%s\t%c\t%s\n", b.Name, b.Code, b.Description)
		}
		return w.Flush()
	},
}
