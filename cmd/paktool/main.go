package main

import (
	"fmt"
	"os"

	"github.com/keshon/pakio/internal/cli"
	_ "github.com/keshon/pakio/internal/commands"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: paktool <command> [args...]")
		fmt.Println("Run 'paktool help' for the command list.")
		os.Exit(0)
	}

	cmdName := os.Args[1]
	cmd, ok := cli.GetCommand(cmdName)
	if !ok {
		fmt.Printf("Unknown command: %s\n", cmdName)
		os.Exit(1)
	}

	ctx := &cli.Context{
		Args: os.Args[2:],
	}

	if err := cmd.Run(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
