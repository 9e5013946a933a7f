package cli

import (
	"fmt"

	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/pak"
)

// WithContainerCheck validates the container header named by the first
// argument before the command body runs, so commands can assume a
// well-formed TOC.
func WithContainerCheck() Middleware {
	return func(cmd Command) Command {
		return &WrappedCommand{
			Command: cmd,
			Wrap: func(ctx *Context) error {
				if len(ctx.Args) == 0 {
					return fmt.Errorf("usage: %s", cmd.Usage())
				}
				if err := checkContainerHeader(ctx.Args[0]); err != nil {
					return fmt.Errorf("container check failed for %s: %w", ctx.Args[0], err)
				}
				return cmd.Run(ctx)
			},
		}
	}
}

func checkContainerHeader(path string) error {
	fsys := fs.NewOSFS()
	f, err := fsys.OpenRead(path)
	if err != nil {
		return err
	}
	defer f.Close()

	preamble := make([]byte, 16)
	if _, err := f.ReadAt(preamble, 0); err != nil {
		return err
	}
	headerSize, err := pak.ParsePreamble(preamble)
	if err != nil {
		return err
	}
	headerBytes := make([]byte, headerSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return err
	}
	_, err = pak.ParseHeader(headerBytes)
	return err
}
