// Package cmd implements the prmirror command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/repoautomator/prmirror/internal/logging"
)

var RootCommand = &cobra.Command{
	Use:           "prmirror",
	Short:         "Mirror pull requests between GitHub and Bitbucket repositories",
	SilenceUsage:  true,
	SilenceErrors: false,
}

type commonParams struct {
	configFiles []string
	dataDir     string
	logging     logging.Config
}

func (p *commonParams) addFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&p.configFiles, "config", "c", []string{"config.yaml"}, "Path to the configuration file(s), merged in order")
	fs.StringVarP(&p.dataDir, "data-dir", "d", "data", "Directory for the SQLite database when no database is configured")
	fs.Var(enumflag.New(&p.logging.Level, "level", logging.LevelIds, enumflag.EnumCaseInsensitive), "log-level", "Log level: debug, info, warn or error")
	fs.Var(enumflag.New(&p.logging.Format, "format", logging.FormatIds, enumflag.EnumCaseInsensitive), "log-format", "Log format: json or text")
}
