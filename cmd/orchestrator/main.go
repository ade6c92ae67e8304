package main

import "github.com/reelworks/orchestrator/cmd/orchestrator/cmd"

func main() {
	cmd.Execute()
}
