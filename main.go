// sockpool - netcat over fixed-capacity socket buffer pools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sockpool/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sockpool: %v\n", err)
		os.Exit(1)
	}
}
