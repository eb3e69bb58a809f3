// Package archive packs a backup set directory into a single compressed,
// optionally encrypted tar stream for offsite storage, and unpacks it again.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Options selects the codec and encryption of an archive
type Options struct {
	Algorithm  Algorithm
	Level      int
	Passphrase string
}

// Encrypted reports whether archives are sealed
func (o Options) Encrypted() bool {
	return o.Passphrase != ""
}

// Name returns the archive object name for a backup ID
func (o Options) Name(backupID string) string {
	name := backupID + ".tar" + o.Algorithm.Extension()
	if o.Encrypted() {
		name += ".enc"
	}
	return name
}

// ParseName recovers the backup ID and codec from an archive object name
func ParseName(name string) (string, Algorithm, bool, error) {
	base := path.Base(name)
	encrypted := strings.HasSuffix(base, ".enc")
	base = strings.TrimSuffix(base, ".enc")

	for _, a := range []Algorithm{AlgorithmGzip, AlgorithmLZ4, AlgorithmZstd, AlgorithmNone} {
		suffix := ".tar" + a.Extension()
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix), a, encrypted, nil
		}
	}
	return "", "", false, fmt.Errorf("%s is not a backup archive", name)
}

// Stats describes a packed or unpacked archive
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
}

// Archiver packs and unpacks backup set directories
type Archiver struct {
	fs   afero.Fs
	opts Options
}

// NewArchiver creates an archiver over fs
func NewArchiver(fs afero.Fs, opts Options) *Archiver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmZstd
	}
	return &Archiver{fs: fs, opts: opts}
}

// Options returns the archiver's options
func (a *Archiver) Options() Options {
	return a.opts
}

// Pack writes dir as a tar stream to w. Entries are named relative to the
// parent of dir so the archive unpacks into a directory of the same name.
func (a *Archiver) Pack(dir string, w io.Writer) (stats Stats, err error) {
	out := w
	var enc io.WriteCloser
	if a.opts.Encrypted() {
		if enc, err = NewEncryptWriter(w, a.opts.Passphrase); err != nil {
			return stats, err
		}
		out = enc
	}
	zw, err := NewCompressWriter(out, a.opts.Algorithm, a.opts.Level)
	if err != nil {
		return stats, err
	}
	tw := tar.NewWriter(zw)

	// writers close innermost first
	defer func() {
		for _, c := range []io.Closer{tw, zw, enc} {
			if c == nil {
				continue
			}
			if cerr := c.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to finish archive: %w", cerr)
			}
		}
	}()

	root := filepath.Dir(filepath.Clean(dir))
	err = afero.Walk(a.fs, dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return a.addEntry(tw, p, filepath.ToSlash(rel), info, &stats)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	return stats, nil
}

func (a *Archiver) addEntry(tw *tar.Writer, p, name string, info os.FileInfo, stats *Stats) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		reader, ok := a.fs.(afero.LinkReader)
		if !ok {
			return fmt.Errorf("filesystem cannot read symlink %s", p)
		}
		target, err := reader.ReadlinkIfPossible(p)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
		stats.Dirs++
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := a.fs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	// the run log may still grow while it is packed
	n, err := io.CopyN(tw, f, hdr.Size)
	if err != nil {
		return err
	}
	stats.Files++
	stats.Bytes += n
	return nil
}

// Unpack extracts an archive read from r into dest and returns the path of
// the top-level directory it contained
func (a *Archiver) Unpack(r io.Reader, dest string) (string, Stats, error) {
	var stats Stats
	in := r
	if a.opts.Encrypted() {
		dr, err := NewDecryptReader(r, a.opts.Passphrase)
		if err != nil {
			return "", stats, err
		}
		in = dr
	}
	zr, err := NewDecompressReader(in, a.opts.Algorithm)
	if err != nil {
		return "", stats, err
	}
	defer zr.Close()

	if err := a.fs.MkdirAll(dest, 0o700); err != nil {
		return "", stats, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var top string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", stats, fmt.Errorf("failed to read archive: %w", err)
		}

		target, first, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return "", stats, err
		}
		if top == "" {
			top = first
		} else if first != top {
			return "", stats, fmt.Errorf("archive holds more than one backup directory (%s, %s)", top, first)
		}

		if err := a.extract(tr, hdr, target, &stats); err != nil {
			return "", stats, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
	}
	if top == "" {
		return "", stats, errors.New("archive is empty")
	}
	return filepath.Join(dest, top), stats, nil
}

func (a *Archiver) extract(tr *tar.Reader, hdr *tar.Header, target string, stats *Stats) error {
	mode := os.FileMode(hdr.Mode).Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		stats.Dirs++
		return a.fs.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		if err := a.fs.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		f, err := a.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	case tar.TypeSymlink:
		linker, ok := a.fs.(afero.Linker)
		if !ok {
			return fmt.Errorf("filesystem cannot create symlink %s", target)
		}
		return linker.SymlinkIfPossible(hdr.Linkname, target)
	default:
		return fmt.Errorf("unsupported entry type %q", hdr.Typeflag)
	}
}

// safeJoin resolves an archive entry name under dest and rejects names that
// escape it
func safeJoin(dest, name string) (string, string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	first := strings.SplitN(clean, "/", 2)[0]
	return filepath.Join(dest, filepath.FromSlash(clean)), first, nil
}
