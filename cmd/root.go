package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	cfgPath     string
	serverURL   string
	userName    string
	envName     string
	password    string
	storeDriver string
	storeDSN    string
)

var rootCmd = &cobra.Command{
	Use:   "cityhall",
	Short: "Browse and edit a City Hall configuration store",
	Long: `cityhall talks to a City Hall server (--url) or to an in-process store
(--store memory|sqlite|postgres with --dsn). Keys are addressed by path
within an environment; --env picks the environment, defaulting to the
user's default environment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog only reads its flags once the Go flag set counts as parsed.
		_ = flag.CommandLine.Parse(nil)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Path to config file (default ~/.cityhall/config.hcl)")
	pf.StringVar(&serverURL, "url", "", "City Hall server URL")
	pf.StringVarP(&userName, "user", "u", "", "User to log in as")
	pf.StringVarP(&envName, "env", "e", "", "Environment (default: the user's default environment)")
	pf.StringVar(&password, "password", "", "Password (prompted for when omitted and a terminal is attached)")
	pf.StringVar(&storeDriver, "store", "", "Use an in-process store: memory, sqlite or postgres")
	pf.StringVar(&storeDSN, "dsn", "", "Data source for --store sqlite|postgres")
	pf.AddGoFlagSet(flag.CommandLine)
}

// Execute runs the root command.
func Execute() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
