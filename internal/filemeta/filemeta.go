// Package filemeta describes a transferred file. The description travels in the
// metadata field of the file header as a protobuf Struct.
package filemeta

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var ErrDigestMismatch = errors.New("file digest mismatch")

const (
	fieldSender    = "sender"
	fieldModSecs   = "mod_time_seconds"
	fieldModNanos  = "mod_time_nanos"
	fieldSHA256    = "sha256"
	fieldNote      = "note"
	fieldSizeBytes = "size"
)

type Info struct {
	Sender  string
	ModTime time.Time
	Size    int64
	SHA256  string
	Note    string
}

// Describe hashes the file at path and collects its metadata.
func Describe(path, sender, note string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat file: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Info{}, fmt.Errorf("failed to hash file: %w", err)
	}

	return Info{
		Sender:  sender,
		ModTime: stat.ModTime(),
		Size:    stat.Size(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
		Note:    note,
	}, nil
}

func Encode(info Info) ([]byte, error) {
	ts := timestamppb.New(info.ModTime)
	if err := ts.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid modification time: %w", err)
	}

	s, err := structpb.NewStruct(map[string]any{
		fieldSender:    info.Sender,
		fieldModSecs:   float64(ts.GetSeconds()),
		fieldModNanos:  float64(ts.GetNanos()),
		fieldSizeBytes: float64(info.Size),
		fieldSHA256:    info.SHA256,
		fieldNote:      info.Note,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// Decode parses metadata produced by Encode. Unknown fields are ignored.
func Decode(b []byte) (Info, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Info{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	fields := s.GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(fields[fieldModSecs].GetNumberValue()),
		Nanos:   int32(fields[fieldModNanos].GetNumberValue()),
	}

	return Info{
		Sender:  fields[fieldSender].GetStringValue(),
		ModTime: ts.AsTime(),
		Size:    int64(fields[fieldSizeBytes].GetNumberValue()),
		SHA256:  fields[fieldSHA256].GetStringValue(),
		Note:    fields[fieldNote].GetStringValue(),
	}, nil
}

// Verify checks the file at path against the digest in info. An empty digest passes.
func Verify(path string, info Info) error {
	if info.SHA256 == "" {
		return nil
	}

	got, err := Describe(path, "", "")
	if err != nil {
		return err
	}
	if got.SHA256 != info.SHA256 {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, info.SHA256, got.SHA256)
	}
	return nil
}
