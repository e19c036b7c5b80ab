// Package testexe builds minimal, well-formed executables for tests.
// The images are parseable by debug/pe and debug/elf, but not runnable.
package testexe

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
)

const (
	peSignatureOffset = 0x40
	peFileAlignment   = 0x200
	peSectionHdrSize  = 40
	peOptHdr32Size    = 224
)

// PE describes a 32-bit PE image.
type PE struct {
	Sections    []uint32 // Raw data size of each section
	Certificate uint32   // Size of the certificate table, zero for none
}

// Bytes returns the image. All recognized content is part of it, there is no trailing data.
func (p PE) Bytes() []byte {
	headersEnd := peSignatureOffset + 4 + 20 + peOptHdr32Size + peSectionHdrSize*len(p.Sections)
	sizeOfHeaders := align(uint32(headersEnd), peFileAlignment)

	oh := pe.OptionalHeader32{
		Magic:                 0x10b,
		ImageBase:             0x400000,
		SectionAlignment:      0x1000,
		FileAlignment:         peFileAlignment,
		MajorSubsystemVersion: 6,
		SizeOfHeaders:         sizeOfHeaders,
		Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes:   16,
	}

	headers := make([]pe.SectionHeader32, len(p.Sections))
	offset := sizeOfHeaders
	rva := uint32(0x1000)
	for i, size := range p.Sections {
		headers[i] = pe.SectionHeader32{
			VirtualSize:      size,
			VirtualAddress:   rva,
			SizeOfRawData:    size,
			PointerToRawData: offset,
			Characteristics:  pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ,
		}
		copy(headers[i].Name[:], ".data")
		headers[i].Name[5] = '0' + byte(i%10)
		offset = align(offset+size, peFileAlignment)
		rva += align(size+1, 0x1000)
	}
	oh.SizeOfImage = rva
	if p.Certificate > 0 {
		oh.DataDirectory[4] = pe.DataDirectory{VirtualAddress: offset, Size: p.Certificate}
	}

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(p.Sections)),
		SizeOfOptionalHeader: peOptHdr32Size,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
	}

	buf := new(bytes.Buffer)
	dos := make([]byte, peSignatureOffset)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], peSignatureOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	mustWrite(buf, &fh)
	mustWrite(buf, &oh)
	for i := range headers {
		mustWrite(buf, &headers[i])
	}

	for i, size := range p.Sections {
		pad(buf, int(headers[i].PointerToRawData))
		buf.Write(filler(int(size), byte(i+1)))
	}
	if p.Certificate > 0 {
		pad(buf, int(offset))
		buf.Write(filler(int(p.Certificate), 0xCE))
	} else if len(p.Sections) == 0 {
		pad(buf, int(sizeOfHeaders))
	}
	return buf.Bytes()
}

// ELF describes a 64-bit little-endian ELF image with a single loadable segment.
type ELF struct {
	Segment uint32 // Size of the segment data
}

// ELF section name table: "", ".text", ".shstrtab", ".bss"
const elfShstrtab = "\x00.text\x00.shstrtab\x00.bss\x00"

// Bytes returns the image. All recognized content is part of it, there is no trailing data.
// The section header table is located at the very end.
func (e ELF) Bytes() []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		shnum     = 4
	)
	segOff := uint64(ehsize + phentsize)
	strOff := segOff + uint64(e.Segment)
	shoff := uint64(align(uint32(strOff)+uint32(len(elfShstrtab)), 8))

	h := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x400000 + segOff,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
		Shentsize: shentsize,
		Shnum:     shnum,
		Shstrndx:  2,
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    segOff,
		Vaddr:  0x400000 + segOff,
		Paddr:  0x400000 + segOff,
		Filesz: uint64(e.Segment),
		Memsz:  uint64(e.Segment) + 0x1000,
		Align:  0x1000,
	}

	sections := []elf.Section64{
		{}, // SHT_NULL
		{
			Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: prog.Vaddr, Off: segOff, Size: uint64(e.Segment), Addralign: 1,
		},
		{
			Name: 7, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(elfShstrtab)), Addralign: 1,
		},
		{ // occupies no file space
			Name: 17, Type: uint32(elf.SHT_NOBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: prog.Vaddr + uint64(e.Segment), Off: shoff + shnum*shentsize, Size: 0x1000, Addralign: 1,
		},
	}

	buf := new(bytes.Buffer)
	mustWrite(buf, &h)
	mustWrite(buf, &prog)
	buf.Write(filler(int(e.Segment), 0x90))
	buf.WriteString(elfShstrtab)
	pad(buf, int(shoff))
	for i := range sections {
		mustWrite(buf, &sections[i])
	}
	return buf.Bytes()
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

// pad fills buf with zeros until it reaches the given length.
func pad(buf *bytes.Buffer, length int) {
	if n := length - buf.Len(); n > 0 {
		buf.Write(make([]byte, n))
	}
}

func filler(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func mustWrite(buf *bytes.Buffer, data interface{}) {
	if err := binary.Write(buf, binary.LittleEndian, data); err != nil {
		panic(err)
	}
}
