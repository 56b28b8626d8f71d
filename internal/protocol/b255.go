package protocol

import (
	"bytes"
	"errors"
	"math"
)

var (
	ErrEmptyLength   = errors.New("empty length prefix")
	ErrZeroDigit     = errors.New("zero byte inside length prefix")
	ErrLengthTooLong = errors.New("length prefix overflows int64")
	ErrNegativeLen   = errors.New("negative length")
)

// EncodeLength writes n in base 255 with every digit shifted into [1, 255], most
// significant digit first. The result never contains 0x00. Zero encodes as {0x01}.
func EncodeLength(n int64) []byte {
	if n < 0 {
		panic(ErrNegativeLen)
	}
	if n == 0 {
		return []byte{1}
	}

	var digits []byte
	for n > 0 {
		digits = append(digits, byte(n%255)+1)
		n /= 255
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return digits
}

// DecodeLength is the inverse of EncodeLength.
func DecodeLength(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrEmptyLength
	}

	var n int64
	for _, d := range b {
		if d == 0 {
			return 0, ErrZeroDigit
		}
		if n > (math.MaxInt64-int64(d-1))/255 {
			return 0, ErrLengthTooLong
		}
		n = n*255 + int64(d-1)
	}
	return n, nil
}

// AppendPrefix appends the length prefix of n and its 0x00 terminator to dst.
func AppendPrefix(dst []byte, n int64) []byte {
	dst = append(dst, EncodeLength(n)...)
	return append(dst, 0)
}

// SplitPrefix returns the declared length and the bytes after the terminator.
// ok is false while no terminator has been seen.
func SplitPrefix(b []byte) (n int64, rest []byte, ok bool, err error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return 0, nil, false, nil
	}
	n, err = DecodeLength(b[:i])
	if err != nil {
		return 0, nil, true, err
	}
	return n, b[i+1:], true, nil
}
