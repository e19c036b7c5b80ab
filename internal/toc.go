package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// Signature starts every overlay and identifies the format version.
// Readers recognize the container by this exact byte sequence.
var Signature = []byte{'P', 'L', 'M', 0x00, 0x01, 0x00}

// SignatureSize is the size of the signature in bytes.
const SignatureSize = 6

// CountSize is the size of the patch count field in bytes.
const CountSize = 4

// entryHeaderSize covers the offset, size and name length fields of an entry.
const entryHeaderSize = 4 + 4 + 2

// utf16le is used for entry names.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// TOC (=table of contents) lists all blobs of an overlay.
// The tool payload is stored first, followed by the patch payloads in TOC order.
type TOC struct {
	Tool    Entry
	Patches []Entry
}

// Entry represents a single embedded blob.
// The offset field is always the first field of the encoded entry.
type Entry struct {
	Offset uint32 // Absolute file offset of the payload
	Size   uint32 // Payload size in bytes
	Name   string // Blob name
}

// Entries returns the tool entry followed by all patch entries.
func (t *TOC) Entries() []Entry {
	all := make([]Entry, 0, len(t.Patches)+1)
	all = append(all, t.Tool)
	return append(all, t.Patches...)
}

// EncodeName returns the UTF-16LE representation of name.
func EncodeName(name string) ([]byte, error) {
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	}
	encoded, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("encode name %q: %w", name, err)
	}
	if len(encoded)/2 > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %q has %d UTF-16 code units", ErrNameTooLong, name, len(encoded)/2)
	}
	return encoded, nil
}

// EntrySize returns the number of bytes the entry metadata of the given name occupies.
func EntrySize(name string) (int64, error) {
	encoded, err := EncodeName(name)
	if err != nil {
		return 0, err
	}
	return int64(entryHeaderSize + len(encoded)), nil
}

// WriteSignature writes the overlay signature.
func WriteSignature(w io.Writer) error {
	if _, err := w.Write(Signature); err != nil {
		return err
	}
	return nil
}

// IsSignature checks if the given byte slice equals the signature.
func IsSignature(data []byte) bool {
	return bytes.Equal(Signature, data)
}

// WriteEntry writes the metadata of an entry.
// The name is prefixed with its length in UTF-16 code units.
func WriteEntry(w io.Writer, e Entry) error {
	name, err := EncodeName(e.Name)
	if err != nil {
		return err
	}
	buf := make([]byte, entryHeaderSize, entryHeaderSize+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], e.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], e.Size)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(name)/2))
	buf = append(buf, name...)

	_, err = w.Write(buf)
	return err
}

// WriteOffset overwrites the offset field of an entry.
// The writer must be positioned at the start of the entry.
func WriteOffset(w io.Writer, offset uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], offset)
	_, err := w.Write(buf[:])
	return err
}

// ReadEntry reads the metadata of an entry.
func ReadEntry(r io.Reader) (Entry, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Offset: binary.LittleEndian.Uint32(hdr[0:4]),
		Size:   binary.LittleEndian.Uint32(hdr[4:8]),
	}

	name := make([]byte, 2*int(binary.LittleEndian.Uint16(hdr[8:10])))
	if _, err := io.ReadFull(r, name); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, err
	}
	decoded, err := utf16le.NewDecoder().Bytes(name)
	if err != nil {
		return Entry{}, fmt.Errorf("decode name: %w", err)
	}
	e.Name = string(decoded)
	return e, nil
}

// WriteCount writes the number of patch entries.
func WriteCount(w io.Writer, count uint32) error {
	var buf [CountSize]byte
	binary.LittleEndian.PutUint32(buf[:], count)
	_, err := w.Write(buf[:])
	return err
}

// ReadCount reads the number of patch entries.
func ReadCount(r io.Reader) (uint32, error) {
	var buf [CountSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
