// reencodarr is an automated video re-encoding orchestrator: it discovers
// videos, probes their metadata, searches for a CRF meeting the target VMAF,
// and re-encodes them to AV1/Opus via ab-av1.
package main

import (
	"os"

	"github.com/jmylchreest/reencodarr/cmd/reencodarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
