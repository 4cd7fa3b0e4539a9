// Command conductord is the headless session-multiplexing server: one
// long-lived process exposing the session lifecycle over HTTP/JSON and
// WebSocket (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/EdanStarfire/claudecode-webui-sub001/cmd/conductord/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
