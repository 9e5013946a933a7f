package commands

import (
	"flag"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/keshon/pakio/internal/cli"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/pak"
	"github.com/keshon/pakio/internal/progress"
	"github.com/keshon/pakio/internal/util"
)

func init() {
	cli.RegisterCommand(cli.ApplyMiddlewares(&VerifyCommand{}, cli.WithContainerCheck()))
}

type VerifyCommand struct{}

func (c *VerifyCommand) Name() string      { return "verify" }
func (c *VerifyCommand) Aliases() []string { return []string{"check"} }
func (c *VerifyCommand) Short() string     { return "v" }
func (c *VerifyCommand) Usage() string {
	return "paktool verify <container.pak> [-key file] [-workers n]"
}
func (c *VerifyCommand) Brief() string { return "Verify every chunk of a container" }
func (c *VerifyCommand) Help() string {
	return `Verify reads every chunk: signature chain, decryption and
decompression all have to hold up. Encrypted containers need -key.`
}

func (c *VerifyCommand) Run(ctx *cli.Context) error {
	fl := flag.NewFlagSet("verify", flag.ContinueOnError)
	keyPath := fl.String("key", "", "encryption key file")
	workers := fl.Int("workers", util.WorkerCount(), "parallel chunk reads")
	if err := fl.Parse(ctx.Args[1:]); err != nil {
		return err
	}

	ring, err := loadKeyring(*keyPath)
	if err != nil {
		return err
	}
	r, err := pak.Mount(fs.NewOSFS(), ctx.Args[0], ring)
	if err != nil {
		return err
	}
	defer r.Unmount()
	if r.Locked() {
		return fmt.Errorf("container %s is encrypted; pass -key", r.Name())
	}

	p := progress.NewProgress(r.ChunkCount(), "Verifying "+r.Name())
	var g errgroup.Group
	g.SetLimit(*workers)
	for _, e := range r.Toc() {
		id := e.ID
		g.Go(func() error {
			if _, err := r.ReadChunk(id); err != nil {
				return fmt.Errorf("chunk %s: %w", id, err)
			}
			p.Increment()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.Finish()
	fmt.Printf("OK: %d chunks verified\n", r.ChunkCount())
	return nil
}
