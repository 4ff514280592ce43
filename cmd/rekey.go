package cmd

import (
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/guardianproject/sqlitefs/internal/engine"
)

func init() {
	rekeyCmd := &cobra.Command{
		Use:   "rekey <database>",
		Short: "Change a database's page-encryption password offline",
		Long: `rekey re-encrypts every page of the database under a new password.
It refuses while any session holds the database open, matching the original
library's change-password behavior. Both passwords are read from stdin, one
line each: the current password first, then the new one.`,
		Args: cobra.ExactArgs(1),
		RunE: runRekey,
	}
	rootCmd.AddCommand(rekeyCmd)
}

func runRekey(cmd *cobra.Command, args []string) error {
	dbPath := args[0]

	oldPassword, err := readPassword("")
	if err != nil {
		return fmt.Errorf("reading current password: %w", err)
	}
	newPassword, err := readPassword("")
	if err != nil {
		return fmt.Errorf("reading new password: %w", err)
	}

	oldSecret, err := secretFromPassword(oldPassword)
	if err != nil {
		return err
	}
	newSecret, err := secretFromPassword(newPassword)
	if err != nil {
		return err
	}

	engineCtx := engine.NewContext(timeutil.RealClock())
	if err := engineCtx.Rekey(dbPath, oldSecret, newSecret); err != nil {
		return fmt.Errorf("rekey %s: %w", dbPath, err)
	}

	fmt.Fprintln(os.Stdout, "Password changed.")
	return nil
}
