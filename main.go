package main

import "github.com/agentic-research/cityhall/cmd"

func main() {
	cmd.Execute()
}
