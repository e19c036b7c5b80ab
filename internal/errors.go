package internal

import "errors"

var (
	// ErrUnknownFormat means the target is not a recognizable PE or ELF executable.
	ErrUnknownFormat = errors.New("unknown executable format")
	// ErrInvalidName means a blob name cannot be represented as UTF-16.
	ErrInvalidName = errors.New("invalid name")
	// ErrNameTooLong means a blob name exceeds 65535 UTF-16 code units.
	ErrNameTooLong = errors.New("name too long")
	// ErrSizeOverflow means a size or offset does not fit into 32 bits.
	ErrSizeOverflow = errors.New("size exceeds 4 GiB overlay limit")
)
