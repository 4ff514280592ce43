package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/guardianproject/sqlitefs/internal/bridge"
	"github.com/guardianproject/sqlitefs/internal/engine"
	"github.com/guardianproject/sqlitefs/internal/logger"
	"github.com/guardianproject/sqlitefs/internal/store"
)

var (
	mountForeground bool
	mountPassword   string
	mountKeyFile    string
	mountCrashLog   string
)

func init() {
	mountCmd := &cobra.Command{
		Use:   "mount <database> <mountpoint>",
		Short: "Mount a database as a FUSE filesystem",
		Args:  cobra.ExactArgs(2),
		RunE:  runMount,
	}
	mountCmd.Flags().BoolVar(&mountForeground, "foreground", false, "run in the foreground instead of daemonizing")
	mountCmd.Flags().StringVar(&mountPassword, "password", "", "page-encryption password (read from stdin if omitted and --key-file is unset)")
	mountCmd.Flags().StringVar(&mountKeyFile, "key-file", "", "path to a raw 32-byte page-encryption key")
	mountCmd.Flags().StringVar(&mountCrashLog, "crash-log", "", "file to append a panic trace to, should the mounted filesystem crash")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	dbPath, mountPoint := args[0], args[1]

	cfg := logger.DefaultConfig()
	if verbose {
		cfg.Severity = logger.Debug
	}
	if err := logger.Init(cfg); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if !mountForeground {
		return daemonizeMount(mountPoint)
	}

	if mountCrashLog != "" {
		defer recoverAndLogCrash(&CrashWriter{fileName: mountCrashLog})
	}

	secret, err := resolveSecret()
	if err != nil {
		return err
	}

	mfs, err := mountFilesystem(dbPath, mountPoint, secret)
	if err != nil {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			fmt.Fprintf(os.Stderr, "signaling mount outcome to parent: %v\n", err2)
		}
		return err
	}
	if err2 := daemonize.SignalOutcome(nil); err2 != nil {
		fmt.Fprintf(os.Stderr, "signaling mount outcome to parent: %v\n", err2)
	}

	registerUnmountOnInterrupt(mountPoint)

	return mfs.Join(context.Background())
}

// recoverAndLogCrash writes a recovered panic's message and stack trace to
// w before letting the process exit, the closest a daemonized mount (whose
// stderr nobody is watching) can come to the original library's crash
// dump behavior.
func recoverAndLogCrash(w *CrashWriter) {
	if r := recover(); r != nil {
		fmt.Fprintf(w, "panic: %v\n%s\n", r, debug.Stack())
		panic(r)
	}
}

const daemonPasswordEnv = "SQLITEFS_DAEMON_PASSWORD"

func resolveSecret() (store.Secret, error) {
	if mountKeyFile != "" {
		raw, err := os.ReadFile(mountKeyFile)
		if err != nil {
			return store.Secret{}, fmt.Errorf("reading key file: %w", err)
		}
		return store.Secret{RawKey: raw}, nil
	}
	if password, ok := os.LookupEnv(daemonPasswordEnv); ok {
		return secretFromPassword(password)
	}
	password, err := readPassword(mountPassword)
	if err != nil {
		return store.Secret{}, err
	}
	return secretFromPassword(password)
}

// daemonizeMount reads the password once (if needed) before forking, then
// re-execs the current binary with --foreground against the same
// arguments, the way the original library's mount helper forked a
// background daemon and waited for it to signal success or failure. The
// password crosses the fork through an environment variable rather than a
// repeated --password flag, so it never appears in the daemon's argv.
func daemonizeMount(mountPoint string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if mountKeyFile == "" {
		password, err := readPassword(mountPassword)
		if err != nil {
			return err
		}
		env = append(env, fmt.Sprintf("%s=%s", daemonPasswordEnv, password))
	}

	args := append([]string{"mount", "--foreground"}, os.Args[2:]...)
	if err := daemonize.Run(exe, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, "File system has been successfully mounted.")
	return nil
}

func mountFilesystem(dbPath, mountPoint string, secret store.Secret) (*fuse.MountedFileSystem, error) {
	engineCtx := engine.NewContext(timeutil.RealClock())
	engineCtx.Init(dbPath, secret)

	sess, err := engineCtx.OpenSession(context.Background(), dbPath, secret, true)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	sess.Close()

	fsys := bridge.New(engineCtx, currentIdentity())
	server := fuseutil.NewFileSystemServer(fsys)

	mountCfg := &fuse.MountConfig{
		FSName:     "sqlitefs",
		Subtype:    "sqlitefs",
		VolumeName: "sqlitefs",
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return nil, fmt.Errorf("fuse.Mount: %w", err)
	}
	return mfs, nil
}

func registerUnmountOnInterrupt(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			if err := fuse.Unmount(mountPoint); err != nil {
				fmt.Fprintf(os.Stderr, "unmount: %v\n", err)
				continue
			}
			return
		}
	}()
}
