package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/queue"
	"github.com/sirupsen/logrus"
)

const partSuffix = ".PART"

// FileReceipt describes a file that arrived completely.
type FileReceipt struct {
	Path     string
	Name     string
	Size     int64
	Metadata []byte
	Peer     string
}

// TransmitFile sends the file at path over a dedicated conversation with the
// peer's file listener. A chunkSize of zero uses the default of 1 MiB.
func (c *Conversation) TransmitFile(ctx context.Context, path string, metadata []byte, progress Progress, chunkSize int) error {
	if err := c.waitStarted(ctx); err != nil {
		return err
	}
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	name := filepath.Base(path)
	header, err := protocol.EncodeFileHeader(protocol.FileHeader{Size: stat.Size(), Name: name, Metadata: metadata})
	if err != nil {
		return err
	}

	manager := c.tx.Manager()
	convName, err := manager.GenerateName(ctx, name+"_conv")
	if err != nil {
		return err
	}

	ready := make(chan struct{}, 1)
	fc := New(c.tx, Options{
		Name:   convName,
		Cipher: c.opts.Cipher,
		OnMessage: func(data []byte, _ string) {
			if bytes.Equal(data, []byte(protocol.FileReady)) {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		},
		Send:         c.opts.Send,
		RecvTimeout:  c.opts.RecvTimeout,
		StartTimeout: c.opts.StartTimeout,
		Logger:       c.opts.Logger,
	})
	fc.onClose = func() { manager.ReleaseName(convName) }
	defer func() { _ = fc.Close() }()

	peer := c.Peer()
	if err := fc.Start(ctx, peer, c.RemoteName()+filesSuffix); err != nil {
		return err
	}

	log := c.logger.WithFields(logrus.Fields{"file": name, "size": stat.Size(), "file_conv": convName})
	log.Debugf("Sending %s", protocol.MsgFileHeader)

	if err := fc.Say(ctx, header); err != nil {
		return err
	}
	report(progress, peer, name, stat.Size(), 0)

	timer := time.NewTimer(c.opts.RecvTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		return errs.New(errs.KindCommunicationTimeout, "%s not received for %s within %s", protocol.MsgFileReady, name, c.opts.RecvTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for sent < stat.Size() {
		n, err := f.Read(buf)
		if n > 0 {
			if err := fc.Say(ctx, buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			report(progress, peer, name, stat.Size(), fraction(sent, stat.Size()))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}

	if sent != stat.Size() {
		return errs.New(errs.KindDataTransmission, "%s changed size while sending: %d of %d bytes", name, sent, stat.Size())
	}
	if stat.Size() == 0 {
		report(progress, peer, name, 0, 1)
	}

	log.Info("File sent")
	return nil
}

// ListenForFile waits for the next received file. absTimeout counts from the call,
// idleTimeout from the last frame seen on the conversation; zero disables either.
func (c *Conversation) ListenForFile(ctx context.Context, absTimeout, idleTimeout time.Duration) (FileReceipt, error) {
	var absDeadline time.Time
	if absTimeout > 0 {
		absDeadline = time.Now().Add(absTimeout)
	}

	for {
		deadline := absDeadline
		if idleTimeout > 0 {
			idle := c.LastActivity().Add(idleTimeout)
			if deadline.IsZero() || idle.Before(deadline) {
				deadline = idle
			}
		}

		popCtx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			popCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		receipt, err := c.receipts.Pop(popCtx)
		cancel()

		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, queue.ErrClosed):
			return FileReceipt{}, ErrClosed
		case ctx.Err() != nil:
			return FileReceipt{}, ctx.Err()
		}

		now := time.Now()
		if !absDeadline.IsZero() && !now.Before(absDeadline) {
			return FileReceipt{}, errs.New(errs.KindConvListenTimeout, "no file on %s within %s", c.opts.Name, absTimeout)
		}
		if idleTimeout > 0 && !now.Before(c.LastActivity().Add(idleTimeout)) {
			return FileReceipt{}, errs.New(errs.KindCommunicationTimeout, "conversation %s idle for %s", c.opts.Name, idleTimeout)
		}
	}
}

func (c *Conversation) deliverFile(r FileReceipt) {
	c.touch()
	if c.opts.OnFile != nil {
		c.opts.OnFile(r)
		return
	}
	c.receipts.Push(r)
}

// onFileRequest joins the dedicated conversation a sender opens for one file.
func (c *Conversation) onFileRequest(req Request) {
	log := c.logger.WithField("peer", req.Peer)
	if req.Peer != c.Peer() {
		log.Warn("Ignoring file request from a peer outside the conversation")
		return
	}

	ctx := context.Background()
	manager := c.tx.Manager()
	name, err := manager.GenerateName(ctx, c.opts.Name+filesSuffix)
	if err != nil {
		log.Warnf("Failed to name file conversation: %v", err)
		return
	}

	fr := &fileReceiver{parent: c, peer: req.Peer}
	rc := New(c.tx, Options{
		Name:        name,
		Cipher:      c.opts.Cipher,
		OnMessage:   fr.onData,
		Send:        c.opts.Send,
		RecvTimeout: c.opts.RecvTimeout,
		JoinDelay:   c.opts.JoinDelay,
		Logger:      c.opts.Logger,
	})
	fr.conv = rc

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		manager.ReleaseName(name)
		return
	}
	c.receivers[rc] = struct{}{}
	c.mu.Unlock()

	rc.onClose = func() {
		fr.abort()
		manager.ReleaseName(name)
		c.mu.Lock()
		delete(c.receivers, rc)
		c.mu.Unlock()
	}

	if err := rc.Join(ctx, req.Peer, req.ConvName); err != nil {
		log.Warnf("Failed to join file conversation %s: %v", req.ConvName, err)
		_ = rc.Close()
	}
}

// fileReceiver consumes the frames of one incoming file: a header, then the body.
// Frames arrive one at a time in send order.
type fileReceiver struct {
	parent *Conversation
	conv   *Conversation
	peer   string

	mu      sync.Mutex
	header  *protocol.FileHeader
	file    *os.File
	part    string
	final   string
	written int64
	done    bool
}

func (r *fileReceiver) log() *logrus.Entry {
	e := r.parent.logger.WithField("peer", r.peer)
	if r.header != nil {
		e = e.WithField("file", r.header.Name)
	}
	return e
}

func (r *fileReceiver) onData(data []byte, _ string) {
	r.parent.touch()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	if r.header == nil {
		r.onHeader(data)
		return
	}
	r.onBody(data)
}

func (r *fileReceiver) fail(err error) {
	r.log().Warnf("File transfer aborted: %v", err)
	r.done = true
	go func() { _ = r.conv.Close() }()
}

func (r *fileReceiver) onHeader(data []byte) {
	h, err := protocol.DecodeFileHeader(data)
	if err != nil {
		r.fail(errs.Wrap(errs.KindUnreadableReply, err, "bad %s", protocol.MsgFileHeader))
		return
	}
	if err := validateFileName(h.Name); err != nil {
		r.fail(err)
		return
	}
	r.header = &h

	r.final = filepath.Join(r.parent.opts.Dir, h.Name)
	r.part = r.final + partSuffix
	f, err := os.OpenFile(r.part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		r.fail(fmt.Errorf("failed to create %s: %w", r.part, err))
		return
	}
	r.file = f

	if err := r.conv.Say(context.Background(), []byte(protocol.FileReady)); err != nil {
		r.fail(err)
		return
	}
	report(r.parent.opts.FileProgress, r.peer, h.Name, h.Size, 0)

	if h.Size == 0 {
		r.finish()
	}
}

func (r *fileReceiver) onBody(data []byte) {
	if r.written+int64(len(data)) > r.header.Size {
		r.fail(errs.New(errs.KindUnreadableReply, "body exceeds declared size %d", r.header.Size))
		return
	}

	if _, err := r.file.Write(data); err != nil {
		r.fail(fmt.Errorf("failed to write %s: %w", r.part, err))
		return
	}
	r.written += int64(len(data))
	report(r.parent.opts.FileProgress, r.peer, r.header.Name, r.header.Size, fraction(r.written, r.header.Size))

	if r.written == r.header.Size {
		r.finish()
	}
}

func (r *fileReceiver) finish() {
	r.done = true

	if err := r.file.Close(); err != nil {
		r.fail(fmt.Errorf("failed to close %s: %w", r.part, err))
		return
	}
	r.file = nil
	if err := os.Rename(r.part, r.final); err != nil {
		r.fail(fmt.Errorf("failed to rename %s: %w", r.part, err))
		return
	}

	r.log().WithField("path", r.final).Info("File received")
	r.parent.deliverFile(FileReceipt{
		Path:     r.final,
		Name:     r.header.Name,
		Size:     r.header.Size,
		Metadata: r.header.Metadata,
		Peer:     r.peer,
	})
	go func() { _ = r.conv.Close() }()
}

// abort drops a partial file when the conversation ends mid-transfer.
func (r *fileReceiver) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	_ = r.file.Close()
	_ = os.Remove(r.part)
	r.file = nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return errs.New(errs.KindUnreadableReply, "unsafe file name %q", name)
	}
	return nil
}
