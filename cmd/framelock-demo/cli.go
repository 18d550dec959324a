package main

import "fmt"

// RunCLI handles subcommand execution ahead of the normal -mode flags.
// Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("framelock-demo %s\n", Version)
		return true
	case "help":
		fmt.Println("usage: framelock-demo [-mode host|join|spectate|stress] [-listen addr] [-peer addr] [flags...]")
		fmt.Println("       framelock-demo version")
		return true
	default:
		return false
	}
}
