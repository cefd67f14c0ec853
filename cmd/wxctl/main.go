package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/misszhang/rosterboard/internal/tools/common"
	"github.com/misszhang/rosterboard/internal/tools/wxctl"
)

func main() {
	if err := wxctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wxctl:", err)
		if errors.Is(err, wxctl.ErrCommandFailed) {
			os.Exit(common.ExitRemoteFailed)
		}
		os.Exit(common.ExitUsage)
	}
}
