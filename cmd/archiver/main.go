// Command archiver processes pending archive invalidations.
package main

import (
	"context"
	"os"

	"github.com/roach88/archiver/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
