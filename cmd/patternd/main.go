package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func main() {
	configureLogging(os.Stderr)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "patternd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "patternd",
		Short: "patternd turns collection patterns into controller resources",
		Long: `patternd is the pattern service daemon.

It fetches pattern definitions from collection archives, stores them, and
provisions controller projects, execution environments, labels and job
templates for each pattern instance. All long-running work happens in
background tasks whose progress is exposed over the REST API.

Configuration:
  The YAML config file (default /etc/patternd/config.yaml) is overridden by
  AAP_URL, AAP_USERNAME, AAP_PASSWORD, AAP_VALIDATE_CERTS, AAP_REGISTRY_URL,
  PATTERND_DB_PATH and PATTERND_LISTEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newVersionCmd(),
		newCredentialsCmd(),
	)
	return root
}

// configureLogging drops timestamps when w is not a terminal; journald and
// container runtimes stamp lines themselves.
func configureLogging(w io.Writer) {
	log.SetOutput(w)
	log.SetFlags(logFlags(w))
}

func logFlags(w io.Writer) int {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return log.LstdFlags
	}
	return 0
}
