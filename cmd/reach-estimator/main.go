// Command reach-estimator runs audience reach estimation over a list of
// postal codes and prints the run report as JSON.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
