// Command realsched runs ensembles of realizations on a local, LSF, OpenPBS
// or Kubernetes backend, either in-process or behind an HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
