package internal

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

// peSecurityDirectory is the index of the certificate table within the PE data directories.
// Unlike all other directories, its address is a file offset instead of an RVA.
const peSecurityDirectory = 4

var (
	peMagic  = []byte("MZ")
	elfMagic = []byte(elf.ELFMAG)
)

// LocateBoundary returns the offset after which the trailing data (=overlay) of an executable begins.
// Everything before the boundary is recognized content of the executable format.
// Returns -1 if the executable does not contain trailing data.
// The reader is not modified; size is the total size of the executable file.
func LocateBoundary(r io.ReaderAt, size int64) (int64, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w (file too small)", ErrUnknownFormat)
		}
		return 0, err
	}

	var end int64
	var err error
	switch {
	case bytes.HasPrefix(magic[:], elfMagic):
		end, err = elfContentEnd(r, size)
	case bytes.HasPrefix(magic[:], peMagic):
		end, err = peContentEnd(r)
	default:
		return 0, fmt.Errorf("%w (magic %x)", ErrUnknownFormat, magic)
	}
	if err != nil {
		return 0, err
	}

	if end >= size { // no trailing data
		return -1, nil
	}
	return end, nil
}

// peContentEnd returns the end of the headers, section data and certificate table.
func peContentEnd(r io.ReaderAt) (int64, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("%w: parse PE: %w", ErrUnknownFormat, err)
	}
	defer f.Close()

	var end int64
	var security pe.DataDirectory

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		end = int64(oh.SizeOfHeaders)
		if oh.NumberOfRvaAndSizes > peSecurityDirectory {
			security = oh.DataDirectory[peSecurityDirectory]
		}
	case *pe.OptionalHeader64:
		end = int64(oh.SizeOfHeaders)
		if oh.NumberOfRvaAndSizes > peSecurityDirectory {
			security = oh.DataDirectory[peSecurityDirectory]
		}
	default:
		return 0, fmt.Errorf("%w: PE without optional header", ErrUnknownFormat)
	}

	for _, s := range f.Sections {
		if s.Size == 0 { // uninitialized data only
			continue
		}
		end = max(end, int64(s.Offset)+int64(s.Size))
	}
	if security.VirtualAddress != 0 && security.Size != 0 {
		end = max(end, int64(security.VirtualAddress)+int64(security.Size))
	}
	return end, nil
}

// elfContentEnd returns the end of the headers, header tables, segments and sections.
func elfContentEnd(r io.ReaderAt, size int64) (int64, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("%w: parse ELF: %w", ErrUnknownFormat, err)
	}
	defer f.Close()

	// debug/elf does not expose the header table locations
	var ehsize, phoff, phentsize, shoff, shentsize int64
	hdr := io.NewSectionReader(r, 0, size)
	switch f.Class {
	case elf.ELFCLASS64:
		var h elf.Header64
		if err := binary.Read(hdr, f.ByteOrder, &h); err != nil {
			return 0, fmt.Errorf("%w: read ELF header: %w", ErrUnknownFormat, err)
		}
		ehsize, phoff, phentsize = int64(h.Ehsize), int64(h.Phoff), int64(h.Phentsize)
		shoff, shentsize = int64(h.Shoff), int64(h.Shentsize)
	case elf.ELFCLASS32:
		var h elf.Header32
		if err := binary.Read(hdr, f.ByteOrder, &h); err != nil {
			return 0, fmt.Errorf("%w: read ELF header: %w", ErrUnknownFormat, err)
		}
		ehsize, phoff, phentsize = int64(h.Ehsize), int64(h.Phoff), int64(h.Phentsize)
		shoff, shentsize = int64(h.Shoff), int64(h.Shentsize)
	default:
		return 0, fmt.Errorf("%w: ELF class %v", ErrUnknownFormat, f.Class)
	}

	end := ehsize
	if len(f.Progs) > 0 {
		end = max(end, phoff+int64(len(f.Progs))*phentsize)
	}
	if len(f.Sections) > 0 {
		end = max(end, shoff+int64(len(f.Sections))*shentsize)
	}
	for _, p := range f.Progs {
		end = max(end, int64(p.Off+p.Filesz))
	}
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
			continue
		}
		end = max(end, int64(s.Offset+s.FileSize))
	}
	return end, nil
}
