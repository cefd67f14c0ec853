package common

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Exit codes shared by the operator tools.
const (
	ExitOK           = 0
	ExitUsage        = 2
	ExitRemoteFailed = 4
)

var ciOut io.Writer = os.Stdout

type CIResult struct {
	OK      bool     `json:"ok"`
	Title   string   `json:"title"`
	Details []string `json:"details"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult writes one JSON line describing the outcome of a command.
func PrintCIResult(ok bool, title string, details []string, err error) {
	res := CIResult{OK: ok, Title: title, Details: details}
	if res.Details == nil {
		res.Details = []string{}
	}
	if err != nil {
		res.Error = err.Error()
	}
	b, mErr := json.Marshal(res)
	if mErr != nil {
		fmt.Fprintf(ciOut, "{\"ok\":false,\"title\":%q,\"error\":%q}\n", title, mErr.Error())
		return
	}
	fmt.Fprintln(ciOut, string(b))
}
