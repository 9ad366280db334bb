// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, versionHandler
package cmd

import (
	"fmt"
	"log"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kvblock/kvblock/config"
	"github.com/kvblock/kvblock/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []config.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Printf("kvblock version %s\n", version.Version)
}

// envDocs returns every KVBLOCK_* variable sorted by name.
func envDocs() []config.EnvVar {
	m := config.AsMap()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	envs := make([]config.EnvVar, 0, len(names))
	for _, k := range names {
		envs = append(envs, m[k])
	}
	return envs
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "kvblockctl",
		Short:         "Paged KV cache block manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the kvblock debug server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	appendEnvDocs(serveCmd, envDocs())

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the built-in block manager scenarios",
		Args:  cobra.ExactArgs(0),
		RunE:  BenchHandler,
	}

	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded block lifecycle traces",
	}
	traceShowCmd := &cobra.Command{
		Use:   "show DATABASE",
		Short: "Render a recorded trace as a table",
		Args:  cobra.ExactArgs(1),
		RunE:  TraceShowHandler,
	}
	traceShowCmd.Flags().Int("limit", 100, "Maximum number of events to show")
	traceCmd.AddCommand(traceShowCmd)

	rootCmd.AddCommand(
		serveCmd,
		benchCmd,
		traceCmd,
	)

	return rootCmd
}
