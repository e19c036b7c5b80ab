package overlay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maja42/overlay/internal"
	"github.com/spf13/afero"
)

// Overlay represents the tool and patches embedded in an executable.
type Overlay struct {
	exeFile afero.File
	tool    *Entry
	patches []Entry
}

// Entry describes a single embedded blob.
type Entry struct {
	Name   string
	Offset int64 // Offset in relation to the start of the executable
	Size   int64 // Size in bytes
}

// Open returns the overlay of the running executable.
func Open() (*Overlay, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if p, err := filepath.EvalSymlinks(path); err == nil {
		// EvalSymlinks fails on Windows if the executable is located in the
		// remote SYSVOL volume from the domain controller.
		// It is therefore optional, any errors are ignored.
		path = p
	}
	return OpenExe(path)
}

// OpenExe returns the overlay of an arbitrary executable.
func OpenExe(exePath string) (*Overlay, error) {
	return OpenFs(afero.NewOsFs(), exePath)
}

// OpenFs returns the overlay of an executable located on the given filesystem.
// An executable without trailing data has an empty overlay.
func OpenFs(fs afero.Fs, exePath string) (*Overlay, error) {
	ov := &Overlay{}

	exe, err := fs.Open(exePath)
	if err != nil {
		return nil, err
	}
	ov.exeFile = exe
	dontClose := false
	defer func() {
		if !dontClose {
			_ = exe.Close()
		}
	}()

	info, err := exe.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	// determine overlay location
	start, err := internal.LocateBoundary(exe, size)
	if err != nil {
		return nil, fmt.Errorf("locate overlay: %w", err)
	}
	if start < 0 { // No overlay found
		dontClose = true
		return ov, nil
	}

	r := io.NewSectionReader(exe, start, size-start)
	toc, err := readTOC(r)
	if err != nil {
		return nil, err
	}
	metaSize, _ := r.Seek(0, io.SeekCurrent)

	// verify offsets
	expected := start + metaSize
	for _, e := range toc.Entries() {
		if int64(e.Offset)+int64(e.Size) > size { // offsets point outside executable (missing data?)
			return nil, newOverlayErr("corrupt overlay data (offsets too large)")
		}
		if int64(e.Offset) != expected {
			return nil, newOverlayErr("corrupt overlay data (invalid offsets)")
		}
		expected += int64(e.Size)
	}

	ov.tool = newEntry(toc.Tool)
	ov.patches = make([]Entry, len(toc.Patches))
	for i, e := range toc.Patches {
		ov.patches[i] = *newEntry(e)
	}

	dontClose = true
	return ov, nil
}

// readTOC reads the signature and all entries.
func readTOC(r io.Reader) (internal.TOC, error) {
	var toc internal.TOC

	sig := make([]byte, internal.SignatureSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		if isEOF(err) {
			return toc, newOverlayErr("corrupt overlay data (incomplete signature)")
		}
		return toc, err
	}
	if !internal.IsSignature(sig) {
		return toc, newOverlayErr("unknown trailing data (signature mismatch)")
	}

	var err error
	if toc.Tool, err = readEntry(r); err != nil {
		return toc, err
	}
	count, err := internal.ReadCount(r)
	if err != nil {
		if isEOF(err) {
			return toc, newOverlayErr("corrupt overlay data (incomplete TOC)")
		}
		return toc, err
	}

	toc.Patches = make([]internal.Entry, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			return toc, err
		}
		toc.Patches = append(toc.Patches, e)
	}
	return toc, nil
}

func readEntry(r io.Reader) (internal.Entry, error) {
	e, err := internal.ReadEntry(r)
	if err != nil {
		if isEOF(err) {
			return e, newOverlayErr("corrupt overlay data (incomplete TOC)")
		}
		return e, newOverlayErr("corrupt overlay data (invalid TOC: %s)", err)
	}
	return e, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func newEntry(e internal.Entry) *Entry {
	return &Entry{
		Name:   e.Name,
		Offset: int64(e.Offset),
		Size:   int64(e.Size),
	}
}

// Close the executable containing the overlay.
// Close will return an error if it has already been called.
func (o *Overlay) Close() error {
	return o.exeFile.Close()
}

// Tool returns the embedded tool.
// Returns nil if the executable does not contain an overlay.
func (o *Overlay) Tool() *Entry {
	if o.tool == nil {
		return nil
	}
	tool := *o.tool
	return &tool
}

// Patches returns all embedded patches in the order they are stored.
func (o *Overlay) Patches() []Entry {
	if len(o.patches) == 0 {
		return nil
	}
	return append([]Entry(nil), o.patches...)
}

// List returns a list containing the names of all patches.
func (o *Overlay) List() []string {
	if len(o.patches) == 0 { // no patches
		return nil
	}
	l := make([]string, len(o.patches))
	for i, p := range o.patches {
		l[i] = p.Name
	}
	return l
}

// Count returns the number of patches.
func (o *Overlay) Count() int {
	return len(o.patches)
}

// Reader groups basic methods available on embedded blobs.
type Reader interface {
	io.ReadSeeker
	io.ReaderAt
	Size() int64
}

// ToolReader returns a reader for the embedded tool.
// Returns nil if the executable does not contain an overlay.
func (o *Overlay) ToolReader() Reader {
	if o.tool == nil {
		return nil
	}
	return o.EntryReader(*o.tool)
}

// Reader returns a reader for the tool or patch with the given name.
// Returns nil if no blob with that name exists.
// If a name is used more than once, the tool takes precedence over the first matching patch.
func (o *Overlay) Reader(name string) Reader {
	e := o.find(name)
	if e == nil {
		return nil
	}
	return o.EntryReader(*e)
}

// EntryReader returns a reader for the given entry, as returned by Tool or Patches.
func (o *Overlay) EntryReader(e Entry) Reader {
	return io.NewSectionReader(o.exeFile, e.Offset, e.Size)
}

// Size returns the size of a specific blob in bytes.
// Returns zero if no blob with that name exists.
func (o *Overlay) Size(name string) int64 {
	if e := o.find(name); e != nil {
		return e.Size
	}
	return 0
}

// Offset returns the offset of a specific blob in bytes, in relation to the start of the executable.
// Returns zero if no blob with that name exists.
func (o *Overlay) Offset(name string) int64 {
	if e := o.find(name); e != nil {
		return e.Offset
	}
	return 0
}

// find returns the tool or first patch with the given name.
func (o *Overlay) find(name string) *Entry {
	if o.tool != nil && o.tool.Name == name {
		return o.tool
	}
	for i := range o.patches {
		if o.patches[i].Name == name {
			return &o.patches[i]
		}
	}
	return nil
}
