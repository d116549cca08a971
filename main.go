package main

import "github.com/agentshell/core/cmd"

func main() {
	cmd.Execute()
}
