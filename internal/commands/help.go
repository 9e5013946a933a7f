package commands

import (
	"fmt"
	"sort"

	"github.com/keshon/pakio/internal/cli"
)

func init() {
	cli.RegisterCommand(&HelpCommand{})
}

type HelpCommand struct{}

func (c *HelpCommand) Name() string      { return "help" }
func (c *HelpCommand) Aliases() []string { return nil }
func (c *HelpCommand) Short() string     { return "h" }
func (c *HelpCommand) Usage() string     { return "paktool help [command]" }
func (c *HelpCommand) Brief() string     { return "Show help for paktool or one command" }
func (c *HelpCommand) Help() string {
	return "Help without arguments lists all commands; with a command name it\nprints that command's usage and details."
}

func (c *HelpCommand) Run(ctx *cli.Context) error {
	if len(ctx.Args) > 0 {
		cmd, ok := cli.GetCommand(ctx.Args[0])
		if !ok {
			return fmt.Errorf("unknown command: %s", ctx.Args[0])
		}
		fmt.Printf("Usage: %s\n\n%s\n", cmd.Usage(), cmd.Help())
		return nil
	}

	cmds := cli.AllCommands()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name() < cmds[j].Name() })

	fmt.Println("Usage: paktool <command> [args...]")
	fmt.Println("Commands:")
	for _, cmd := range cmds {
		fmt.Printf("  %-10s %s\n", cmd.Name(), cmd.Brief())
	}
	return nil
}
