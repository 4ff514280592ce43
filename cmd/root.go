// Package cmd is the sqlitefs command-line surface: mounting a database as
// a FUSE filesystem, and a handful of direct-access commands (cat, ls,
// rekey) that open the database without ever going through the kernel.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "sqlitefs",
	Short: "Mount or inspect a POSIX filesystem stored entirely in one SQLite database",
	Long: `sqlitefs stores a whole directory tree - names, permissions, and file
content - as rows in a single SQLite database file. It can be mounted as a
real FUSE filesystem, or inspected directly without mounting anything.`,
	SilenceUsage: true,
}

// Execute runs the root command, exiting the process with status 1 on
// failure the way the original library's CLI tools report errors.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	viper.SetEnvPrefix("SQLITEFS")
	viper.AutomaticEnv()
}
