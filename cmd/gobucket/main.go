// Command gobucket moves batches of files between the local filesystem and
// object-storage buckets.
package main

import (
	"os"

	"github.com/franksops/gobucket/cmd/gobucket/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
