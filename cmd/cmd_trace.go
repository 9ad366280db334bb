// cmd_trace.go - Trace-Anzeige
// Hauptfunktionen: TraceShowHandler
package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kvblock/kvblock/trace"
)

// TraceShowHandler - Rendert eine aufgezeichnete Trace-Datenbank als Tabelle
func TraceShowHandler(cmd *cobra.Command, args []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	rows, err := trace.Read(args[0], limit)
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range rows {
		slot := fmt.Sprintf("%d", r.Slot)
		if r.Slot < 0 {
			slot = "-"
		}
		data = append(data, []string{
			r.At.Format("15:04:05.000000"),
			r.Kind,
			fmt.Sprintf("%d", r.BlockID),
			slot,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"TIME", "KIND", "BLOCK", "SLOT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
