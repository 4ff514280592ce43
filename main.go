// Command sqlitefs mounts a database as a FUSE filesystem, or inspects one
// directly without mounting anything. See cmd/root.go for the full
// command surface.
package main

import "github.com/guardianproject/sqlitefs/cmd"

func main() {
	cmd.Execute()
}
