package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrBadFileName   = errors.New("file name is empty or contains a separator byte")
	ErrBadFileHeader = errors.New("malformed file header")
)

// FileHeader opens every file transfer.
type FileHeader struct {
	Size     int64
	Name     string
	Metadata []byte
}

// EncodeFileHeader lays the header out as prefix(size)·0x00·name·0xFF·metadata.
// The size keeps its 0x00 terminator because a base-255 digit may itself be 0xFF.
func EncodeFileHeader(h FileHeader) ([]byte, error) {
	if h.Name == "" || bytes.IndexByte([]byte(h.Name), Separator) >= 0 || bytes.IndexByte([]byte(h.Name), 0) >= 0 {
		return nil, ErrBadFileName
	}
	if h.Size < 0 {
		return nil, ErrNegativeLen
	}

	buf := make([]byte, 0, len(h.Name)+len(h.Metadata)+12)
	buf = AppendPrefix(buf, h.Size)
	buf = append(buf, h.Name...)
	buf = append(buf, Separator)
	return append(buf, h.Metadata...), nil
}

func DecodeFileHeader(b []byte) (FileHeader, error) {
	size, rest, ok, err := SplitPrefix(b)
	if err != nil {
		return FileHeader{}, fmt.Errorf("%w: %v", ErrBadFileHeader, err)
	}
	if !ok {
		return FileHeader{}, fmt.Errorf("%w: missing size terminator", ErrBadFileHeader)
	}

	i := bytes.IndexByte(rest, Separator)
	if i <= 0 {
		return FileHeader{}, fmt.Errorf("%w: missing file name", ErrBadFileHeader)
	}

	return FileHeader{
		Size:     size,
		Name:     string(rest[:i]),
		Metadata: append([]byte(nil), rest[i+1:]...),
	}, nil
}
