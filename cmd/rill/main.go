// Command rill inspects and follows live collections.
package main

import (
	"os"

	"github.com/zoobzio/rill/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
