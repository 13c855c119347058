package source

import (
	"context"
	"os"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

// File reads the denylist from a local path, for air-gapped hosts and
// development.
type File struct {
	Path   string
	Format Format
}

func (f *File) String() string { return "file://" + f.Path }

func (f *File) Fetch(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", f.Path)
	}
	return Decode(b, f.Format)
}

// Static returns a fixed list.
type Static []string

func (s Static) String() string { return "static" }

func (s Static) Fetch(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}
