package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/pathperm"
	"github.com/guardianproject/sqlitefs/internal/store"
)

// stdinReader is shared by every command that reads one or more passwords
// from stdin, so that a second read picks up where the first left off
// instead of losing whatever bufio had already buffered past the first
// line's newline.
var stdinReader = bufio.NewReader(os.Stdin)

// readPassword reads one line from stdin and strips its trailing newline,
// the same convention the original library's command-line tools used
// (fgets into a fixed buffer, then trim the newline). A password flag
// takes precedence when set; an empty flag falls back to stdin so a
// password is never echoed onto a terminal or left in shell history.
func readPassword(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// secretFromPassword builds a store.Secret from a password, rejecting one
// that exceeds the engine's compiled-in limit up front instead of letting
// the open call fail less clearly later.
func secretFromPassword(password string) (store.Secret, error) {
	if len(password) > store.MaxPasswordLength {
		return store.Secret{}, fmt.Errorf("password exceeds %d bytes", store.MaxPasswordLength)
	}
	return store.Secret{Password: password}, nil
}

// currentIdentity is the uid/gid/supplementary-groups of the process
// running the command, used as the acting identity for every direct-access
// command and as the single owning identity a FUSE mount runs all
// operations as.
func currentIdentity() pathperm.Identity {
	groups, _ := os.Getgroups()
	out := make([]uint32, len(groups))
	for i, g := range groups {
		out[i] = uint32(g)
	}
	return pathperm.Identity{
		Uid:    uint32(unix.Getuid()),
		Gid:    uint32(unix.Getgid()),
		Groups: out,
	}
}
