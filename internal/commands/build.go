package commands

import (
	"flag"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/keshon/pakio/internal/cli"
	"github.com/keshon/pakio/internal/compress"
	pakfs "github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/pak"
	"github.com/keshon/pakio/internal/progress"
)

func init() {
	cli.RegisterCommand(&BuildCommand{})
}

type BuildCommand struct{}

func (c *BuildCommand) Name() string      { return "build" }
func (c *BuildCommand) Aliases() []string { return []string{"pack"} }
func (c *BuildCommand) Short() string     { return "b" }
func (c *BuildCommand) Usage() string {
	return "paktool build <srcdir> <out.pak> [-compression method] [-block-size n] [-partition-size n] [-sign] [-key file] [-indexed]"
}
func (c *BuildCommand) Brief() string { return "Build a container from a directory tree" }
func (c *BuildCommand) Help() string {
	return `Build walks <srcdir> and packs every regular file into <out.pak>.
Chunk ids derive from the file paths relative to <srcdir>.

  -compression   block codec: none, gzip, lz4 or zstd (default none)
  -block-size    compression/signing block size in bytes
  -partition-size  split the payload across files of at most n bytes
  -sign          add a SHA-1 signature per block
  -key           encrypt with the key file (json with hex guid and key)
  -indexed       mark chunk ids as path-derived`
}

func (c *BuildCommand) Run(ctx *cli.Context) error {
	if len(ctx.Args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	srcDir, outPath := ctx.Args[0], ctx.Args[1]

	fl := flag.NewFlagSet("build", flag.ContinueOnError)
	method := fl.String("compression", compress.MethodNone, "compression method")
	blockSize := fl.Uint("block-size", pak.DefaultBlockSize, "block size in bytes")
	partSize := fl.Int64("partition-size", 0, "partition size in bytes")
	sign := fl.Bool("sign", false, "sign every block")
	keyPath := fl.String("key", "", "encryption key file")
	indexed := fl.Bool("indexed", false, "chunk ids derive from paths")
	if err := fl.Parse(ctx.Args[2:]); err != nil {
		return err
	}

	opts := pak.BuilderOptions{
		BlockSize:     uint32(*blockSize),
		Compression:   *method,
		Signed:        *sign,
		PartitionSize: *partSize,
		Indexed:       *indexed,
	}
	if *keyPath != "" {
		guid, key, err := readKeyFile(*keyPath)
		if err != nil {
			return err
		}
		opts.KeyGUID = guid
		opts.Key = key
	}

	b, err := pak.NewBuilder(pakfs.NewOSFS(), opts)
	if err != nil {
		return err
	}

	var paths []string
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcDir, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files under %s", srcDir)
	}

	p := progress.NewProgress(len(paths), "Packing "+srcDir)
	for _, path := range paths {
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if err := b.AddFile(rel, path); err != nil {
			return err
		}
		p.Increment()
	}
	p.Finish()

	if err := b.Write(outPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d chunks)\n", outPath, b.ChunkCount())
	return nil
}
