package embedding

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/maja42/overlay/internal"
	"github.com/spf13/afero"
)

// ErrSizeMismatch is returned if a blob does not contain the announced number of bytes.
// This happens if a file changes between probing and embedding.
var ErrSizeMismatch = errors.New("blob size changed during embedding")

// ErrDuplicateName is returned if two blobs share the same name.
var ErrDuplicateName = errors.New("duplicate blob name")

// PrintlnFunc is used for logging the embedding progress.
type PrintlnFunc func(format string, args ...interface{})

// File is the target executable, opened for reading and writing.
// Both *os.File and afero.File satisfy it.
type File interface {
	io.ReadWriteSeeker
	io.ReaderAt
	Truncate(size int64) error
}

// Source describes a blob that should be embedded.
type Source struct {
	Name string                        // Entry name
	Size int64                         // Exact number of bytes returned by Open
	Open func() (io.ReadCloser, error) // Opens the blob content
}

// Embed writes an overlay containing the tool and all patches into the target executable.
//
// exe is modified in-place. Trailing data after the executable's recognized content
// (for example an overlay of a previous run) is removed before the new overlay is appended.
// Embed fails without modifying exe if the executable format is not recognized,
// or if the overlay would exceed the 32-bit offset range.
//
// Patches are stored in the given order.
//
// logger (optional) is used to report the progress during embedding.
//
// There is no rollback: if writing fails midway, exe is left with an incomplete overlay.
func Embed(exe File, tool Source, patches []Source, logger PrintlnFunc) error {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	size, err := exe.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek executable: %w", err)
	}
	boundary, err := internal.LocateBoundary(exe, size)
	if err != nil {
		return fmt.Errorf("locate overlay boundary: %w", err)
	}

	start := size
	if boundary >= 0 {
		start = boundary
	}
	if err := checkLimits(start, tool, patches); err != nil {
		return err
	}

	if boundary >= 0 {
		logger("Removing %d bytes of trailing data", size-boundary)
		if err := exe.Truncate(boundary); err != nil {
			return fmt.Errorf("truncate executable: %w", err)
		}
	}
	if _, err := exe.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek executable: %w", err)
	}

	// Signature
	if err := internal.WriteSignature(exe); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	// Tool metadata
	toolLoc, err := writeEntry(exe, tool)
	if err != nil {
		return fmt.Errorf("write metadata of tool %q: %w", tool.Name, err)
	}
	// Patch metadata
	if err := internal.WriteCount(exe, uint32(len(patches))); err != nil {
		return fmt.Errorf("write patch count: %w", err)
	}
	patchLocs := make([]int64, len(patches))
	for i, patch := range patches {
		if patchLocs[i], err = writeEntry(exe, patch); err != nil {
			return fmt.Errorf("write metadata of patch %q: %w", patch.Name, err)
		}
	}
	logger("Added metadata of %d patches", len(patches))

	// Payloads
	logger("Adding tool %q (%d bytes)", tool.Name, tool.Size)
	if err := writePayload(exe, toolLoc, tool); err != nil {
		return fmt.Errorf("write tool %q: %w", tool.Name, err)
	}
	for i, patch := range patches {
		logger("Adding patch %q (%d bytes)", patch.Name, patch.Size)
		if err := writePayload(exe, patchLocs[i], patch); err != nil {
			return fmt.Errorf("write patch %q: %w", patch.Name, err)
		}
	}
	return nil
}

// EmbedFiles embeds the given tool and patch files into the target executable.
// Entries are named after the base name of each file.
//
// All files are probed before the executable is touched.
//
// See Embed for more information.
func EmbedFiles(fs afero.Fs, exePath, toolPath string, patchPaths []string, logger PrintlnFunc) error {
	tool, err := FileSource(fs, toolPath)
	if err != nil {
		return fmt.Errorf("probe tool: %w", err)
	}
	patches := make([]Source, len(patchPaths))
	for i, path := range patchPaths {
		if patches[i], err = FileSource(fs, path); err != nil {
			return fmt.Errorf("probe patch: %w", err)
		}
	}

	exe, err := fs.OpenFile(exePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open executable %q: %w", exePath, err)
	}
	defer func() {
		if exe != nil {
			_ = exe.Close()
		}
	}()

	if err := Embed(exe, tool, patches, logger); err != nil {
		return fmt.Errorf("embed into %q: %w", exePath, err)
	}
	if err := exe.Sync(); err != nil {
		return fmt.Errorf("sync executable %q: %w", exePath, err)
	}
	err = exe.Close()
	exe = nil
	if err != nil {
		return fmt.Errorf("close executable %q: %w", exePath, err)
	}
	return nil
}

// EmbedDir embeds the tool and all patch files within patchDir into the target executable.
// See ListPatches for the selection and order of patch files.
func EmbedDir(fs afero.Fs, exePath, toolPath, patchDir string, opts ListOptions, logger PrintlnFunc) error {
	patchPaths, err := ListPatches(fs, patchDir, opts)
	if err != nil {
		return err
	}
	if logger != nil {
		logger("Found %d patches in %q", len(patchPaths), patchDir)
	}
	return EmbedFiles(fs, exePath, toolPath, patchPaths, logger)
}

// FileSource returns the source of a regular file.
// The size is determined immediately, the file is opened lazily.
func FileSource(fs afero.Fs, path string) (Source, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("cannot embed directory %q", path)
	}
	return Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return fs.Open(path)
		},
	}, nil
}

// checkLimits ensures that all names are unique and can be encoded, and that all offsets fit into 32 bits.
// start is the offset at which the overlay begins.
func checkLimits(start int64, tool Source, patches []Source) error {
	end := start + internal.SignatureSize + internal.CountSize
	names := make(map[string]struct{}, len(patches)+1)
	for _, src := range append([]Source{tool}, patches...) {
		if _, ok := names[src.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, src.Name)
		}
		names[src.Name] = struct{}{}
		if src.Size < 0 || src.Size > math.MaxUint32 {
			return fmt.Errorf("%w: %q has %d bytes", internal.ErrSizeOverflow, src.Name, src.Size)
		}
		metaSize, err := internal.EntrySize(src.Name)
		if err != nil {
			return err
		}
		end += metaSize + src.Size
	}
	if end > math.MaxUint32 {
		return fmt.Errorf("%w: executable would grow to %d bytes", internal.ErrSizeOverflow, end)
	}
	return nil
}

// writeEntry writes the metadata of a blob with a placeholder offset.
// Returns the location of the metadata, which is needed for back-patching the offset.
func writeEntry(exe io.WriteSeeker, src Source) (int64, error) {
	loc, err := exe.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	err = internal.WriteEntry(exe, internal.Entry{
		Offset: 0,
		Size:   uint32(src.Size),
		Name:   src.Name,
	})
	return loc, err
}

// writePayload appends the content of a blob and back-patches the offset of its metadata at loc.
func writePayload(exe io.WriteSeeker, loc int64, src Source) error {
	r, err := src.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	offset, err := exe.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := exe.Seek(loc, io.SeekStart); err != nil {
		return err
	}
	if err := internal.WriteOffset(exe, uint32(offset)); err != nil {
		return fmt.Errorf("back-patch offset: %w", err)
	}
	if _, err := exe.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	n, err := io.Copy(exe, r)
	if err != nil {
		return err
	}
	if n != src.Size {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, src.Size, n)
	}
	return nil
}
