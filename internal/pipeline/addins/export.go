package addins

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// ExportEnabledKey is the internal configuration key that turns on Export.
const ExportEnabledKey = "export.enabled"

// Export archives the install prefix during EXPORT.
type Export struct {
	conns connections
}

func (a *Export) Name() string { return "export" }

func (a *Export) Load(ctx context.Context, p *pipeline.Pipeline) error {
	if !p.Config().InternalBool(ExportEnabledKey) {
		return nil
	}
	return a.conns.connect(p, pipeline.PhaseExport, 0, &ExportStage{})
}

func (a *Export) Unload(p *pipeline.Pipeline) { a.conns.disconnectAll(p) }

// ExportStage writes <builddir>/export/<name>.tar.gz from the install
// prefix.
type ExportStage struct{}

func (s *ExportStage) Name() string { return "Exporting…" }

// ArchivePath returns where the stage writes its archive.
func ArchivePath(p *pipeline.Pipeline) string {
	name := p.Config().AppID
	if name == "" {
		name = p.Project()
	}
	return p.BuildPath("export", name+"-"+p.Config().ID+".tar.gz")
}

func (s *ExportStage) Query(ctx context.Context, p *pipeline.Pipeline) (bool, error) {
	return false, nil
}

func (s *ExportStage) Execute(ctx context.Context, p *pipeline.Pipeline) error {
	prefix := InstallPrefix(p)
	if _, err := os.Stat(prefix); err != nil {
		return fmt.Errorf("failed to read install prefix: %w", err)
	}

	out := ArchivePath(p)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	err := p.Pools().Compiler.Run(ctx, "export:"+out, func(ctx context.Context) error {
		return writeArchive(ctx, prefix, out)
	})
	if err != nil {
		os.Remove(out)
		return err
	}
	p.Log(pipeline.StreamStdout, "Exported "+out)
	return nil
}

func (s *ExportStage) Clean(ctx context.Context, p *pipeline.Pipeline) error {
	if err := os.Remove(ArchivePath(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove export archive: %w", err)
	}
	return nil
}

func writeArchive(ctx context.Context, root, out string) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive %s: %w", root, walkErr)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
