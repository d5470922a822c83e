// Command murmur runs the on-device voice assistant engine and its model
// management tools.
//
// Usage:
//
//	murmur [--config murmur.yaml] <command> [args]
//
// Commands:
//
//	serve       - run the coordinator with the websocket bridge, probes and metrics
//	fetch       - download the configured models into the cache
//	models      - list cached, configured and catalog models
//	evict       - remove models from the cache
//	transcribe  - transcribe a WAV file
//	generate    - answer a prompt with the configured language model
//	mkmodel     - write a synthetic model blob and print its descriptor
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "murmur:", err)
		os.Exit(1)
	}
}
