// Command fassetbots runs the FAsset system bots and the agent owner's
// underlying withdrawal commands.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
