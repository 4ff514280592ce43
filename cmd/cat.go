package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/guardianproject/sqlitefs/internal/engine"
)

var catPassword string

func init() {
	catCmd := &cobra.Command{
		Use:   "cat <database> <path>",
		Short: "Print a file's content to stdout, without mounting anything",
		Args:  cobra.ExactArgs(2),
		RunE:  runCat,
	}
	catCmd.Flags().StringVar(&catPassword, "password", "", "page-encryption password (read from stdin if omitted)")
	rootCmd.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) error {
	dbPath, path := args[0], args[1]

	password, err := readPassword(catPassword)
	if err != nil {
		return err
	}
	secret, err := secretFromPassword(password)
	if err != nil {
		return err
	}

	engineCtx := engine.NewContext(timeutil.RealClock())
	ctx := context.Background()
	sess, err := engineCtx.OpenSession(ctx, dbPath, secret, false)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer sess.Close()

	id := currentIdentity()
	stat, err := sess.GetAttr(ctx, path, id)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	const chunk = 1 << 20
	for offset := int64(0); offset < stat.Size; offset += chunk {
		data, err := sess.Read(ctx, path, offset, chunk, id)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if len(data) == 0 {
			break
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
	return nil
}
