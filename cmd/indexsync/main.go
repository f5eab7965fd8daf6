package main

import (
	"context"
	"fmt"
	"os"

	"github.com/syntrixbase/indexsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "indexsync:", err)
		os.Exit(1)
	}
}
