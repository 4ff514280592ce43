package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/engine"
)

var (
	lsPassword string
	lsLong     bool
)

func init() {
	lsCmd := &cobra.Command{
		Use:   "ls <database> [<dir>]",
		Short: "List a directory's entries, without mounting anything",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runLs,
	}
	lsCmd.Flags().StringVar(&lsPassword, "password", "", "page-encryption password (read from stdin if omitted)")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show mode, owner, size, and modification time for each entry")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	dbPath := args[0]
	dir := "/"
	if len(args) == 2 {
		dir = args[1]
	}

	password, err := readPassword(lsPassword)
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
	names, err := sess.Readdir(ctx, dir, id)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: false,
		Level:           log.InfoLevel,
	})

	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if !lsLong {
			fmt.Fprintln(os.Stdout, name)
			continue
		}

		path := name
		if dir != "/" {
			path = strings.TrimSuffix(dir, "/") + "/" + name
		} else {
			path = "/" + name
		}
		stat, err := sess.GetAttr(ctx, path, id)
		if err != nil {
			logger.Warn("stat failed", "entry", name, "err", err)
			continue
		}
		logger.Info(name,
			"mode", formatMode(stat.Mode),
			"uid", stat.Uid,
			"gid", stat.Gid,
			"size", stat.Size,
			"mtime", stat.Mtime,
		)
	}
	return nil
}

func formatMode(mode uint32) string {
	var b strings.Builder
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		b.WriteByte('d')
	case unix.S_IFLNK:
		b.WriteByte('l')
	default:
		b.WriteByte('-')
	}
	const bits = "rwxrwxrwx"
	for i, c := range bits {
		if mode&(1<<uint(8-i)) != 0 {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
