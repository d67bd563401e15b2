// Command skipchain is a client for a conode network: it reads and
// verifies chains, creates new ones and appends blocks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kjstillabower/skipchain/internal/lifecycle"
)

func main() {
	ctx, stop := lifecycle.NotifyContext(context.Background())
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
