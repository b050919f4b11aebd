package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/voicegen/internal/tts"
)

func newVoicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List speaker ids and voice names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			voices := tts.Voices()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(voices)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVOICE")
			for _, v := range voices {
				fmt.Fprintf(tw, "%d\t%s\n", v.ID, v.Name)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the voice table as JSON")

	return cmd
}
