package commands

import (
	"fmt"

	"github.com/keshon/pakio/internal/cli"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

func init() {
	cli.RegisterCommand(cli.ApplyMiddlewares(&ListCommand{}, cli.WithContainerCheck()))
}

type ListCommand struct{}

func (c *ListCommand) Name() string      { return "list" }
func (c *ListCommand) Aliases() []string { return []string{"ls"} }
func (c *ListCommand) Short() string     { return "l" }
func (c *ListCommand) Usage() string     { return "paktool list <container.pak>" }
func (c *ListCommand) Brief() string     { return "List the chunks of a container" }
func (c *ListCommand) Help() string {
	return `List prints one line per TOC record: chunk id, global offset,
on-disk length and uncompressed size.`
}

func (c *ListCommand) Run(ctx *cli.Context) error {
	r, err := pak.Mount(fs.NewOSFS(), ctx.Args[0], keys.NewKeyring())
	if err != nil {
		return err
	}
	defer r.Unmount()

	fmt.Printf("%-24s %12s %12s %14s\n", "CHUNK", "OFFSET", "ON-DISK", "UNCOMPRESSED")
	for _, e := range r.Toc() {
		fmt.Printf("%-24s %12d %12d %14d\n", e.ID, e.Offset, e.Length, e.UncompressedSize)
	}
	fmt.Printf("%d chunks\n", r.ChunkCount())
	return nil
}
