// Command meshrabiyad runs the Distributed Blob Replication Subsystem as a
// standalone daemon: blob ingest, delegation, replication and the loopback
// upload endpoint, wired together the way cmd/cli wires the teacher's
// storage node.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreadstar/meshrabiyad/cmd/meshrabiyad/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cli.ExecuteContext(ctx)
}
