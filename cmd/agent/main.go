package main

import "github.com/plantsync/engine/cmd/agent/cmd"

func main() {
	cmd.Execute()
}
