package embedding

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/maja42/overlay/internal"
	"github.com/maja42/overlay/internal/testexe"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	exePath  = "/app/program.exe"
	toolPath = "/app/hpatchz.exe"
	patchDir = "/app/patches"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// prepareFs creates the executable, the tool and all patches (file name -> content).
func prepareFs(t *testing.T, exe, tool []byte, patches map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, exePath, exe, 0755))
	require.NoError(t, afero.WriteFile(fs, toolPath, tool, 0644))
	require.NoError(t, fs.MkdirAll(patchDir, 0755))
	for name, data := range patches {
		require.NoError(t, afero.WriteFile(fs, patchDir+"/"+name, data, 0644))
	}
	return fs
}

// parseOverlay reads the overlay starting at start, and verifies that all offsets are exact.
func parseOverlay(t *testing.T, data []byte, start int64) internal.TOC {
	t.Helper()
	r := bytes.NewReader(data[start:])

	sig := make([]byte, internal.SignatureSize)
	_, err := io.ReadFull(r, sig)
	require.NoError(t, err)
	require.True(t, internal.IsSignature(sig))

	var toc internal.TOC
	toc.Tool, err = internal.ReadEntry(r)
	require.NoError(t, err)
	count, err := internal.ReadCount(r)
	require.NoError(t, err)
	for i := uint32(0); i < count; i++ {
		e, err := internal.ReadEntry(r)
		require.NoError(t, err)
		toc.Patches = append(toc.Patches, e)
	}

	expected := int64(len(data)) - int64(r.Len())
	for _, e := range toc.Entries() {
		assert.Equal(t, expected, int64(e.Offset), "offset of %q", e.Name)
		assert.LessOrEqual(t, int64(e.Offset)+int64(e.Size), int64(len(data)))
		expected += int64(e.Size)
	}
	assert.Equal(t, int64(len(data)), expected, "overlay must end with the last payload")
	return toc
}

func payload(data []byte, e internal.Entry) []byte {
	return data[e.Offset : e.Offset+e.Size]
}

func TestEmbedDir(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x600, 0x200}}.Bytes()
	tool := randomBytes(t, 1024)
	p1 := randomBytes(t, 512)

	fs := prepareFs(t, exe, tool, map[string][]byte{"p1.diff": p1})
	var logs []string
	logger := func(format string, args ...interface{}) {
		logs = append(logs, format)
	}
	err := EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, logger)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)

	expectedLen := len(exe) + 6 + (4 + 4 + 2 + 11*2) + 4 + (4 + 4 + 2 + 7*2) + 1024 + 512
	assert.Equal(t, expectedLen, len(data))
	assert.Equal(t, exe, data[:len(exe)])

	toc := parseOverlay(t, data, int64(len(exe)))
	assert.Equal(t, "hpatchz.exe", toc.Tool.Name)
	assert.Equal(t, uint32(1024), toc.Tool.Size)
	require.Len(t, toc.Patches, 1)
	assert.Equal(t, "p1.diff", toc.Patches[0].Name)
	assert.Equal(t, uint32(512), toc.Patches[0].Size)

	assert.Equal(t, tool, payload(data, toc.Tool))
	assert.Equal(t, p1, payload(data, toc.Patches[0]))
}

func TestEmbedDir_multiplePatches(t *testing.T) {
	exe := testexe.ELF{Segment: 200}.Bytes()
	patches := map[string][]byte{
		"c.diff":        randomBytes(t, 30),
		"a.diff":        randomBytes(t, 10),
		"b.diff":        {},
		"ünïcode-😀.bin": randomBytes(t, 5),
	}
	fs := prepareFs(t, exe, randomBytes(t, 99), patches)
	require.NoError(t, fs.Mkdir(patchDir+"/subdir", 0755))
	require.NoError(t, afero.WriteFile(fs, patchDir+"/subdir/ignored.diff", []byte("x"), 0644))

	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))

	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)
	toc := parseOverlay(t, data, int64(len(exe)))

	require.Len(t, toc.Patches, 4)
	names := make([]string, len(toc.Patches))
	for i, e := range toc.Patches {
		names[i] = e.Name
		assert.Equal(t, patches[e.Name], payload(data, e), e.Name)
	}
	assert.Equal(t, []string{"a.diff", "b.diff", "c.diff", "ünïcode-😀.bin"}, names)
}

func TestEmbedDir_emptyDirectory(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	tool := randomBytes(t, 64)
	fs := prepareFs(t, exe, tool, nil)

	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))

	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)
	assert.Equal(t, len(exe)+6+(10+11*2)+4+64, len(data))

	toc := parseOverlay(t, data, int64(len(exe)))
	assert.Empty(t, toc.Patches)
	assert.Equal(t, tool, payload(data, toc.Tool))
}

func TestEmbedDir_idempotent(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}, Certificate: 0x40}.Bytes()
	fs := prepareFs(t, exe, randomBytes(t, 100), map[string][]byte{
		"p1.diff": randomBytes(t, 50),
		"p2.diff": randomBytes(t, 60),
	})

	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))
	first, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)

	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))
	second, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)

	assert.Equal(t, exe, second[:len(exe)])
	assert.Equal(t, first, second)
	parseOverlay(t, second, int64(len(exe)))
}

func TestEmbedDir_replacesOverlay(t *testing.T) {
	exe := testexe.ELF{Segment: 100}.Bytes()
	fs := prepareFs(t, exe, randomBytes(t, 100), map[string][]byte{
		"p1.diff": randomBytes(t, 500),
		"p2.diff": randomBytes(t, 600),
	})
	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))

	// fewer and smaller patches: the file must shrink
	require.NoError(t, fs.Remove(patchDir+"/p2.diff"))
	p1 := randomBytes(t, 5)
	require.NoError(t, afero.WriteFile(fs, patchDir+"/p1.diff", p1, 0644))
	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))

	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)
	toc := parseOverlay(t, data, int64(len(exe)))
	require.Len(t, toc.Patches, 1)
	assert.Equal(t, p1, payload(data, toc.Patches[0]))
}

func TestEmbedDir_foreignTrailingData(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, append(append([]byte{}, exe...), randomBytes(t, 333)...), randomBytes(t, 10), nil)

	require.NoError(t, EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil))

	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)
	assert.Equal(t, exe, data[:len(exe)])
	parseOverlay(t, data, int64(len(exe)))
}

func assertUnmodified(t *testing.T, fs afero.Fs, original []byte) {
	t.Helper()
	data, err := afero.ReadFile(fs, exePath)
	require.NoError(t, err)
	assert.Equal(t, original, data, "executable must not be modified")
}

func TestEmbedDir_unknownFormat(t *testing.T) {
	exe := append([]byte("not an executable"), randomBytes(t, 200)...)
	fs := prepareFs(t, exe, randomBytes(t, 10), nil)

	err := EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil)
	assert.True(t, errors.Is(err, internal.ErrUnknownFormat))
	assertUnmodified(t, fs, exe)
}

func TestEmbedDir_missingTool(t *testing.T) {
	exe := append(testexe.PE{Sections: []uint32{0x200}}.Bytes(), 1, 2, 3)
	fs := prepareFs(t, exe, nil, nil)
	require.NoError(t, fs.Remove(toolPath))

	err := EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "probe tool")
	assertUnmodified(t, fs, exe)
}

func TestEmbedDir_missingPatchDir(t *testing.T) {
	exe := testexe.PE{}.Bytes()
	fs := prepareFs(t, exe, nil, nil)

	err := EmbedDir(fs, exePath, toolPath, "/does/not/exist", ListOptions{}, nil)
	assert.Error(t, err)
	assertUnmodified(t, fs, exe)
}

func TestEmbedFiles_missingExecutable(t *testing.T) {
	fs := prepareFs(t, nil, []byte("tool"), nil)
	require.NoError(t, fs.Remove(exePath))

	err := EmbedFiles(fs, exePath, toolPath, nil, nil)
	assert.Error(t, err)
	exists, _ := afero.Exists(fs, exePath)
	assert.False(t, exists, "executable must not be created")
}

func TestEmbedFiles_directoryAsPatch(t *testing.T) {
	exe := testexe.PE{}.Bytes()
	fs := prepareFs(t, exe, []byte("tool"), nil)

	err := EmbedFiles(fs, exePath, toolPath, []string{patchDir}, nil)
	assert.Error(t, err)
	assertUnmodified(t, fs, exe)
}

func TestEmbed_sizeOverflow(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, exe, nil, nil)
	f, err := fs.OpenFile(exePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	never := func() (io.ReadCloser, error) {
		t.Fatal("blob must not be opened")
		return nil, nil
	}

	err = Embed(f, Source{Name: "tool", Size: math.MaxUint32 + 1, Open: never}, nil, nil)
	assert.True(t, errors.Is(err, internal.ErrSizeOverflow))

	// each blob fits, but the overlay as a whole does not
	patches := []Source{
		{Name: "a", Size: math.MaxUint32 / 2, Open: never},
		{Name: "b", Size: math.MaxUint32 / 2, Open: never},
	}
	err = Embed(f, Source{Name: "tool", Size: 1, Open: never}, patches, nil)
	assert.True(t, errors.Is(err, internal.ErrSizeOverflow))

	err = Embed(f, Source{Name: strings.Repeat("x", math.MaxUint16+1), Size: 1, Open: never}, nil, nil)
	assert.True(t, errors.Is(err, internal.ErrNameTooLong))

	assertUnmodified(t, fs, exe)
}

func TestEmbed_sizeMismatch(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, exe, nil, nil)
	f, err := fs.OpenFile(exePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	tool := Source{
		Name: "tool",
		Size: 10, // announced size is larger than the content
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("12345")), nil
		},
	}
	err = Embed(f, tool, nil, nil)
	assert.True(t, errors.Is(err, ErrSizeMismatch))
}

func TestEmbed_openError(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, exe, nil, nil)
	f, err := fs.OpenFile(exePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	tool := Source{
		Name: "tool",
		Size: 1,
		Open: func() (io.ReadCloser, error) {
			return nil, errors.New("vanished")
		},
	}
	err = Embed(f, tool, nil, nil)
	assert.EqualError(t, err, `write tool "tool": vanished`)
}

func TestFileSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dir/blob.bin", []byte("content"), 0644))

	src, err := FileSource(fs, "/dir/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, "blob.bin", src.Name)
	assert.Equal(t, int64(7), src.Size)

	r, err := src.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = FileSource(fs, "/dir")
	assert.Error(t, err)

	_, err = FileSource(fs, "/dir/missing")
	assert.Error(t, err)
}

func TestEmbed_osFile(t *testing.T) {
	dir := t.TempDir()
	exe := testexe.ELF{Segment: 128}.Bytes()
	exeFile := dir + "/program"
	require.NoError(t, os.WriteFile(exeFile, append(append([]byte{}, exe...), "old overlay"...), 0755))

	tool := randomBytes(t, 300)
	src := Source{
		Name: "hpatchz.exe",
		Size: int64(len(tool)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(tool)), nil
		},
	}

	f, err := os.OpenFile(exeFile, os.O_RDWR, 0)
	require.NoError(t, err)
	require.NoError(t, Embed(f, src, nil, nil))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(exeFile)
	require.NoError(t, err)
	assert.Equal(t, exe, data[:len(exe)])
	toc := parseOverlay(t, data, int64(len(exe)))
	assert.Equal(t, tool, payload(data, toc.Tool))
}

func TestEmbed_duplicateName(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, exe, nil, nil)
	f, err := fs.OpenFile(exePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	never := func() (io.ReadCloser, error) {
		t.Fatal("blob must not be opened")
		return nil, nil
	}

	// patch named like the tool
	err = Embed(f, Source{Name: "hpatchz.exe", Size: 1, Open: never}, []Source{
		{Name: "hpatchz.exe", Size: 1, Open: never},
	}, nil)
	assert.True(t, errors.Is(err, ErrDuplicateName))

	// two patches with the same name
	err = Embed(f, Source{Name: "hpatchz.exe", Size: 1, Open: never}, []Source{
		{Name: "p1.diff", Size: 1, Open: never},
		{Name: "p1.diff", Size: 2, Open: never},
	}, nil)
	assert.True(t, errors.Is(err, ErrDuplicateName))

	assertUnmodified(t, fs, exe)
}

func TestEmbedDir_invalidFileName(t *testing.T) {
	exe := testexe.PE{Sections: []uint32{0x200}}.Bytes()
	fs := prepareFs(t, exe, []byte("tool"), map[string][]byte{"p\xff.diff": {1}})

	err := EmbedDir(fs, exePath, toolPath, patchDir, ListOptions{}, nil)
	assert.True(t, errors.Is(err, internal.ErrInvalidName))
	assertUnmodified(t, fs, exe)
}
