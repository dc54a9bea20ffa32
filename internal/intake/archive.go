// Package intake validates uploaded archives and extracts them into per-job working trees.
package intake

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	// ErrInvalidFilename is returned for names that are empty, unsafe or not .zip.
	ErrInvalidFilename = errors.New("invalid archive filename")
	// ErrTooLarge is returned when the upload exceeds MaxUploadBytes.
	ErrTooLarge = errors.New("archive exceeds upload size limit")
	// ErrCorruptArchive is returned when the upload is not a readable zip file.
	ErrCorruptArchive = errors.New("archive is not a valid zip file")
	// ErrEncrypted is returned for archives with password-protected entries.
	ErrEncrypted = errors.New("archive contains encrypted entries")
	// ErrZipBomb is returned when the archive trips an extraction limit.
	ErrZipBomb = errors.New("archive exceeds extraction limits")
	// ErrUnsafePath is returned for entries that would escape the working tree.
	ErrUnsafePath = errors.New("archive contains unsafe paths")
)

// Entries larger than this are checked against MaxCompressionRatio. Small files of
// repeated bytes legitimately compress far beyond any sensible ratio.
const ratioCheckFloor = 1 << 20

var nestedArchiveExts = map[string]bool{
	".zip": true, ".jar": true, ".war": true, ".whl": true, ".egg": true,
	".tar": true, ".gz": true, ".tgz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
}

// Options configures an Intake.
type Options struct {
	Dir                  string
	MaxUploadBytes       int64
	MaxUncompressedBytes int64
	MaxEntries           int
	MaxDepth             int
	MaxCompressionRatio  int
	MaxNestedArchives    int
	Logger               *slog.Logger
}

// Artifact describes an accepted upload.
type Artifact struct {
	Filename       string
	Path           string
	WorkDir        string
	Size           int64
	Entries        int
	ExtractedBytes int64
}

// Intake accepts uploads into Dir.
type Intake struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns an Intake.
func New(opts Options) (*Intake, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("intake dir is required")
	}
	if opts.MaxUploadBytes <= 0 || opts.MaxUncompressedBytes <= 0 {
		return nil, errors.New("intake size limits must be positive")
	}
	if opts.MaxEntries <= 0 || opts.MaxDepth <= 0 || opts.MaxCompressionRatio <= 0 {
		return nil, errors.New("intake entry limits must be positive")
	}
	if opts.MaxNestedArchives < 0 {
		return nil, errors.New("max nested archives must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{opts: opts, logger: logger.With("component", "intake")}, nil
}

// MustNew is like New but panics on invalid options.
func MustNew(opts Options) *Intake {
	in, err := New(opts)
	if err != nil {
		panic(err)
	}
	return in
}

// SanitizeFilename reduces an uploaded name to a safe base name and requires a .zip extension.
func SanitizeFilename(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '-' || r == '_':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return '_'
		}
	}, base)
	if !strings.EqualFold(filepath.Ext(base), ".zip") || len(base) == len(".zip") {
		return "", fmt.Errorf("%w: only .zip files are accepted", ErrInvalidFilename)
	}
	return base, nil
}

// Paths returns where the artifact and working tree for a job live.
func (in *Intake) Paths(jobID, filename string) (artifact, workDir string) {
	return filepath.Join(in.opts.Dir, jobID+"_"+filename), filepath.Join(in.opts.Dir, jobID+"_extracted")
}

// Accept stores the upload read from r and extracts it. On any error nothing is left on disk.
func (in *Intake) Accept(ctx context.Context, jobID, filename string, r io.Reader) (*Artifact, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return nil, errors.New("invalid job id")
	}
	if err := os.MkdirAll(in.opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create intake dir: %w", err)
	}

	artifactPath, workDir := in.Paths(jobID, name)
	partial := workDir + ".partial"
	art := &Artifact{Filename: name, Path: artifactPath, WorkDir: workDir}

	ok := false
	defer func() {
		if ok {
			return
		}
		if rmErr := in.RemovePaths(artifactPath, partial); rmErr != nil {
			in.logger.WarnContext(ctx, "intake cleanup failed", "job_id", jobID, "error", rmErr)
		}
	}()

	if art.Size, err = in.store(ctx, artifactPath, r); err != nil {
		return nil, err
	}
	if err := in.extract(ctx, artifactPath, partial, art); err != nil {
		return nil, err
	}
	if err := os.Rename(partial, workDir); err != nil {
		return nil, fmt.Errorf("finalize working tree: %w", err)
	}

	ok = true
	in.logger.InfoContext(ctx, "archive accepted",
		"job_id", jobID,
		"filename", name,
		"size", art.Size,
		"entries", art.Entries,
		"extracted_bytes", art.ExtractedBytes,
	)
	return art, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (in *Intake) store(ctx context.Context, dst string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(ctxReader{ctx: ctx, r: r}, in.opts.MaxUploadBytes+1))
	if closeErr := f.Close(); copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return n, fmt.Errorf("store artifact: %w", copyErr)
	}
	if n > in.opts.MaxUploadBytes {
		return n, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, in.opts.MaxUploadBytes)
	}
	return n, nil
}

func (in *Intake) extract(ctx context.Context, archivePath, dest string, art *Artifact) error {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			_ = zr.Close()
		}
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer func() { _ = zr.Close() }()

	if err := in.inspect(zr.File); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create working tree: %w", err)
	}

	budget := in.opts.MaxUncompressedBytes
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		written, err := in.extractEntry(dest, f, budget)
		if err != nil {
			return err
		}
		budget -= written
		art.ExtractedBytes += written
	}
	art.Entries = len(zr.File)
	return nil
}

// inspect checks the central directory before anything is written.
func (in *Intake) inspect(files []*zip.File) error {
	if len(files) > in.opts.MaxEntries {
		return fmt.Errorf("%w: %d entries (limit %d)", ErrZipBomb, len(files), in.opts.MaxEntries)
	}

	var declared uint64
	nested := 0
	for _, f := range files {
		if f.Flags&0x1 != 0 {
			return fmt.Errorf("%w: %s", ErrEncrypted, f.Name)
		}
		if !filepath.IsLocal(f.Name) || strings.Contains(f.Name, `\`) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}
		if depth := strings.Count(strings.Trim(path.Clean(f.Name), "/"), "/") + 1; depth > in.opts.MaxDepth {
			return fmt.Errorf("%w: %s nests %d levels (limit %d)", ErrZipBomb, f.Name, depth, in.opts.MaxDepth)
		}

		declared += f.UncompressedSize64
		if declared > uint64(in.opts.MaxUncompressedBytes) {
			return fmt.Errorf("%w: declared size exceeds %d bytes", ErrZipBomb, in.opts.MaxUncompressedBytes)
		}
		if f.UncompressedSize64 > ratioCheckFloor && f.CompressedSize64 > 0 &&
			f.UncompressedSize64/f.CompressedSize64 > uint64(in.opts.MaxCompressionRatio) {
			return fmt.Errorf("%w: %s compression ratio exceeds %d", ErrZipBomb, f.Name, in.opts.MaxCompressionRatio)
		}
		if nestedArchiveExts[strings.ToLower(path.Ext(f.Name))] {
			nested++
			if nested > in.opts.MaxNestedArchives {
				return fmt.Errorf("%w: more than %d nested archives", ErrZipBomb, in.opts.MaxNestedArchives)
			}
		}
	}
	return nil
}

func (in *Intake) extractEntry(dest string, f *zip.File, budget int64) (int64, error) {
	target := filepath.Join(dest, filepath.FromSlash(f.Name))
	mode := f.Mode()

	switch {
	case mode.IsDir():
		if err := os.MkdirAll(target, 0o750); err != nil {
			return 0, fmt.Errorf("create dir %s: %w", f.Name, err)
		}
		return 0, nil
	case mode&fs.ModeSymlink != 0:
		in.logger.Debug("skipping symlink entry", "name", f.Name)
		return 0, nil
	case !mode.IsRegular():
		in.logger.Debug("skipping special entry", "name", f.Name, "mode", mode.String())
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return 0, fmt.Errorf("%w: duplicate entry %s", ErrCorruptArchive, f.Name)
	}
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}

	// Copy one byte past the budget so a header that lies about its size is caught.
	n, copyErr := io.CopyN(out, rc, budget+1)
	if closeErr := out.Close(); copyErr == nil && closeErr != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, closeErr)
	}
	if n > budget {
		return n, fmt.Errorf("%w: extracted size exceeds %d bytes", ErrZipBomb, in.opts.MaxUncompressedBytes)
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return n, fmt.Errorf("%w: read %s: %v", ErrCorruptArchive, f.Name, copyErr)
	}
	return n, nil
}

// RemovePaths deletes an artifact file and a working tree. Missing paths are not errors.
// Paths outside the intake dir are refused.
func (in *Intake) RemovePaths(artifactPath, workDir string) error {
	for _, p := range []string{artifactPath, workDir} {
		if p != "" && !in.within(p) {
			return fmt.Errorf("refusing to remove %s: outside %s", p, in.opts.Dir)
		}
	}

	var errs []error
	if artifactPath != "" {
		if err := os.Remove(artifactPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove artifact: %w", err))
		}
	}
	if workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			errs = append(errs, fmt.Errorf("remove working tree: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (in *Intake) within(p string) bool {
	root, err := filepath.Abs(in.opts.Dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != "." && filepath.IsLocal(rel)
}

// PruneWorkDir removes a job's working tree but keeps the uploaded artifact.
func (in *Intake) PruneWorkDir(workDir string) error {
	return in.RemovePaths("", workDir)
}
