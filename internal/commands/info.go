package commands

import (
	"fmt"

	"github.com/keshon/pakio/internal/cli"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

func init() {
	cli.RegisterCommand(cli.ApplyMiddlewares(&InfoCommand{}, cli.WithContainerCheck()))
}

type InfoCommand struct{}

func (c *InfoCommand) Name() string      { return "info" }
func (c *InfoCommand) Aliases() []string { return nil }
func (c *InfoCommand) Short() string     { return "i" }
func (c *InfoCommand) Usage() string     { return "paktool info <container.pak>" }
func (c *InfoCommand) Brief() string     { return "Show container header details" }
func (c *InfoCommand) Help() string {
	return `Info prints the parsed header of a container: flags, block size,
chunk and payload totals, and the encryption key guid.`
}

func (c *InfoCommand) Run(ctx *cli.Context) error {
	r, err := pak.Mount(fs.NewOSFS(), ctx.Args[0], keys.NewKeyring())
	if err != nil {
		return err
	}
	defer r.Unmount()

	var onDisk, uncompressed uint64
	for _, e := range r.Toc() {
		onDisk += e.Length
		uncompressed += e.UncompressedSize
	}

	fmt.Printf("Container:    %s (%s)\n", r.Name(), r.ContainerID())
	fmt.Printf("Flags:        %s\n", r.Flags())
	fmt.Printf("Block size:   %d\n", r.BlockSizeBytes())
	fmt.Printf("Chunks:       %d\n", r.ChunkCount())
	fmt.Printf("Payload:      %d bytes on disk, %d uncompressed\n", onDisk, uncompressed)
	if r.Flags().Has(pak.FlagEncrypted) {
		fmt.Printf("Key guid:     %s (locked: %v)\n", r.KeyGUID(), r.Locked())
	}
	return nil
}
