package commands

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/cli"
	"github.com/keshon/pakio/internal/config"
	"github.com/keshon/pakio/internal/dispatch"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/progress"
)

func init() {
	cli.RegisterCommand(cli.ApplyMiddlewares(&ExtractCommand{}, cli.WithContainerCheck()))
}

type ExtractCommand struct{}

func (c *ExtractCommand) Name() string      { return "extract" }
func (c *ExtractCommand) Aliases() []string { return []string{"unpack"} }
func (c *ExtractCommand) Short() string     { return "x" }
func (c *ExtractCommand) Usage() string {
	return "paktool extract <container.pak> <outdir> [-key file] [-chunk hexid]"
}
func (c *ExtractCommand) Brief() string { return "Extract chunk payloads to a directory" }
func (c *ExtractCommand) Help() string {
	return `Extract loads every chunk through the dispatcher and writes each
payload to <outdir>/<chunkid>.bin. With -chunk only that one chunk is
extracted. Encrypted containers need -key.`
}

func (c *ExtractCommand) Run(ctx *cli.Context) error {
	if len(ctx.Args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	outDir := ctx.Args[1]

	fl := flag.NewFlagSet("extract", flag.ContinueOnError)
	keyPath := fl.String("key", "", "encryption key file")
	chunkHex := fl.String("chunk", "", "extract a single chunk id")
	if err := fl.Parse(ctx.Args[2:]); err != nil {
		return err
	}

	ring, err := loadKeyring(*keyPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.FileName)
	if err != nil {
		return err
	}
	fsys := fs.NewOSFS()

	d := dispatch.New(fsys, ring, cfg.DispatcherOptions())
	defer d.Close()

	r, err := d.Mount(ctx.Args[0])
	if err != nil {
		return err
	}
	defer d.Unmount(r.ContainerID())
	if r.Locked() {
		return fmt.Errorf("container %s is encrypted; pass -key", r.Name())
	}

	ids := make([]chunkid.ChunkID, 0, r.ChunkCount())
	if *chunkHex != "" {
		id, err := chunkid.Parse(*chunkHex)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	} else {
		for _, e := range r.Toc() {
			ids = append(ids, e.ID)
		}
	}

	if err := fsys.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	p := progress.NewProgress(len(ids), "Extracting "+r.Name())
	reqs := make([]dispatch.IORequest, len(ids))
	for i, id := range ids {
		reqs[i] = d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
	}
	for i, req := range reqs {
		req.WaitCompletion(0)
		if s := req.Status(); s != dispatch.StatusSuccess {
			return fmt.Errorf("chunk %s: %s", ids[i], s)
		}
		path := filepath.Join(outDir, ids[i].String()+".bin")
		if err := fsys.WriteFile(path, req.GetReadResults(), 0o644); err != nil {
			return err
		}
		d.Release(req)
		p.Increment()
	}
	p.Finish()
	fmt.Printf("Extracted %d chunks to %s\n", len(ids), outDir)
	return nil
}
