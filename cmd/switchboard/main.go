// Command switchboard runs the agent control plane and offers one-shot
// routing and role-card inspection.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failMark("error:"), err)
		os.Exit(1)
	}
}
