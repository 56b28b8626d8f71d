// Package protocol holds the wire format shared by every peer: base-255 length
// prefixes, framed reads and writes, and the file header.
//
// The file header terminates its size prefix with 0x00 before the name. Peers
// that expect 0xFF directly after the size digits cannot read it, so file
// transfers with them fail while plain messages and conversations still work.
package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/errs"
)

// maxPrealloc bounds the buffer reserved from an untrusted length prefix.
const maxPrealloc int64 = 4 << 20

// Checksum is the byte sum of b modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// RequestFrame is the transmission request body: checksum(peerID) followed by peerID.
func RequestFrame(peerID string) []byte {
	frame := make([]byte, 0, len(peerID)+1)
	frame = append(frame, Checksum([]byte(peerID)))
	return append(frame, peerID...)
}

// VerifyRequest checks the leading checksum and returns the sender's peer id.
func VerifyRequest(frame []byte) (string, bool) {
	if len(frame) < 2 {
		return "", false
	}
	if Checksum(frame[1:]) != frame[0] {
		return "", false
	}
	return string(frame[1:]), true
}

// EncodeFrame returns prefix·0x00·data.
func EncodeFrame(data []byte) []byte {
	buf := make([]byte, 0, len(data)+8)
	buf = AppendPrefix(buf, int64(len(data)))
	return append(buf, data...)
}

func SendFramed(w io.Writer, data []byte) error {
	_, err := w.Write(EncodeFrame(data))
	return err
}

// RecvFramed reads one length-prefixed frame. The idle timeout is re-armed after every
// read that makes progress; before the first byte arrives the wait is capped at 2·idle.
// A frame cut short by the timeout is returned together with a CommunicationTimeout
// error, a frame cut short by the peer hanging up with an UnreadableReply error.
func RecvFramed(conn net.Conn, idle time.Duration) ([]byte, error) {
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var (
		buf      []byte
		body     []byte
		expected int64 = -1
		chunk          = make([]byte, ReadChunkSize)
	)

	for {
		deadline := time.Now().Add(idle)
		if len(buf) == 0 {
			deadline = time.Now().Add(2 * idle)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, readErr := conn.Read(chunk)
		if n > 0 {
			if expected < 0 {
				buf = append(buf, chunk[:n]...)
				length, rest, ok, err := SplitPrefix(buf)
				if err != nil {
					return nil, errs.Wrap(errs.KindUnreadableReply, err, "bad length prefix")
				}
				if ok {
					expected = length
					body = make([]byte, 0, min(length, maxPrealloc))
					body = append(body, rest...)
				}
			} else {
				body = append(body, chunk[:n]...)
			}
		}

		if expected >= 0 {
			if int64(len(body)) > expected {
				return nil, errs.New(errs.KindUnreadableReply, "frame declared %d bytes, received %d", expected, len(body))
			}
			if int64(len(body)) == expected {
				return body, nil
			}
		}

		if readErr != nil {
			if isTimeout(readErr) {
				return body, errs.Wrap(errs.KindCommunicationTimeout, readErr, "frame incomplete: %d of %d bytes", len(body), expected)
			}
			if errors.Is(readErr, io.EOF) {
				return body, errs.New(errs.KindUnreadableReply, "connection closed: %d of %d bytes", len(body), expected)
			}
			return body, readErr
		}
	}
}

// RecvOnce performs a single read of at most max bytes under a hard deadline.
// io.EOF is returned unwrapped when the peer hangs up without sending anything.
func RecvOnce(conn net.Conn, max int, timeout time.Duration) ([]byte, error) {
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, max)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if isTimeout(err) {
		return nil, errs.Wrap(errs.KindCommunicationTimeout, err, "no reply within %s", timeout)
	}
	return nil, err
}

// AcceptReply is the listener's answer to a valid request.
func AcceptReply(port int) []byte {
	return []byte(AcceptedPrefix + strconv.Itoa(port))
}

// ParseAcceptReply validates the fixed 30-byte prefix and decodes the data port after it.
func ParseAcceptReply(reply []byte) (int, error) {
	if bytes.Equal(reply, []byte(RequestRejected)) {
		return 0, errs.New(errs.KindDataTransmission, "transmission request not accepted")
	}
	if len(reply) <= len(AcceptedPrefix) || !bytes.HasPrefix(reply, []byte(AcceptedPrefix)) {
		return 0, errs.New(errs.KindUnreadableReply, "unexpected request reply %q", reply)
	}

	port, err := strconv.Atoi(string(reply[len(AcceptedPrefix):]))
	if err != nil || port <= 0 || port > 65535 {
		return 0, errs.New(errs.KindUnreadableReply, "bad data port in reply %q", reply)
	}
	return port, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ControlFrame joins a control literal and a name with the 0xFF separator.
func ControlFrame(literal, name string) []byte {
	frame := make([]byte, 0, len(literal)+len(name)+1)
	frame = append(frame, literal...)
	frame = append(frame, Separator)
	return append(frame, name...)
}

// ParseControl returns the name carried by a control frame that starts with literal.
func ParseControl(frame []byte, literal string) (string, bool) {
	head := len(literal)
	if len(frame) <= head+1 || !bytes.HasPrefix(frame, []byte(literal)) || frame[head] != Separator {
		return "", false
	}
	return string(frame[head+1:]), true
}
