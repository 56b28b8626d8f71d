package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/conversation"
	"github.com/rudransh-shrivastava/peer-link/internal/crypt"
	"github.com/rudransh-shrivastava/peer-link/internal/filemeta"
	"github.com/rudransh-shrivastava/peer-link/internal/node"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConvListener = "general_listener"

var chatOpts struct {
	listener string
	cipher   cipherFlags
}

var chatCmd = &cobra.Command{
	Use:   "chat peer-id",
	Short: "talk with a peer that runs serve; /file path sends a file, /quit leaves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		ctx := cmd.Context()

		c, err := chatOpts.cipher.cipher()
		if err != nil {
			return err
		}
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.EnsurePeer(ctx, peer); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		conv, release, err := startConversation(ctx, n, "chat", peer, chatOpts.listener, conversation.Options{
			Cipher:    c,
			OnMessage: func(data []byte, from string) { fmt.Fprintf(out, "%s: %s\n", from, data) },
		})
		if err != nil {
			return err
		}
		defer release()

		return chatLoop(ctx, conv, n.ID(), cmd.InOrStdin(), out)
	},
}

func chatLoop(ctx context.Context, conv *conversation.Conversation, self string, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch {
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/file "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
			if err := sendFile(ctx, conv, self, path, "", 0); err != nil {
				fmt.Fprintf(out, "file not sent: %v\n", err)
			}
		case line != "":
			if err := conv.Say(ctx, []byte(line)); err != nil {
				fmt.Fprintf(out, "message not sent: %v\n", err)
			}
		}
	}
}

// startConversation names a local conversation after prefix and invites peer.
// release closes it and frees the name.
func startConversation(ctx context.Context, n *node.Node, prefix, peer, listener string, opts conversation.Options) (*conversation.Conversation, func(), error) {
	name, err := n.Manager().GenerateName(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	opts.Name = name
	conv := conversation.New(n.Transmitter(), opts)
	release := func() {
		_ = conv.Close()
		n.Manager().ReleaseName(name)
	}

	if err := conv.Start(ctx, peer, listener); err != nil {
		n.Manager().ReleaseName(name)
		return nil, nil, err
	}
	return conv, release, nil
}

func sendFile(ctx context.Context, conv *conversation.Conversation, self, path, note string, chunkSize int) error {
	info, err := filemeta.Describe(path, self, note)
	if err != nil {
		return err
	}
	meta, err := filemeta.Encode(info)
	if err != nil {
		return err
	}
	return conv.TransmitFile(ctx, path, meta, newFileBars("sending"), chunkSize)
}

var sendfileOpts struct {
	listener  string
	note      string
	chunkSize int
	cipher    cipherFlags
}

var sendfileCmd = &cobra.Command{
	Use:   "sendfile peer-id path",
	Short: "send a file to a peer that runs serve",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, path := args[0], args[1]
		ctx := cmd.Context()

		c, err := sendfileOpts.cipher.cipher()
		if err != nil {
			return err
		}
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.EnsurePeer(ctx, peer); err != nil {
			return err
		}
		conv, release, err := startConversation(ctx, n, "sendfile", peer, sendfileOpts.listener, conversation.Options{Cipher: c})
		if err != nil {
			return err
		}
		defer release()

		return sendFile(ctx, conv, n.ID(), path, sendfileOpts.note, sendfileOpts.chunkSize)
	},
}

var serveOpts struct {
	listener string
	dir      string
	idle     time.Duration
	cipher   cipherFlags
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept conversations, print their messages and store the files they send",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		c, err := serveOpts.cipher.cipher()
		if err != nil {
			return err
		}
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		s := &server{node: n, cipher: c, out: cmd.OutOrStdout(), bars: newFileBars("receiving"), convs: make(map[*conversation.Conversation]string)}
		l, err := conversation.NewListener(ctx, n.Transmitter(), serveOpts.listener, s.accept)
		if err != nil {
			return err
		}
		n.Logger().WithField("listener", l.Name()).Info("Serving conversations")

		n.Run(ctx)
		_ = l.Close()
		s.closeAll()
		return nil
	},
}

type server struct {
	node   *node.Node
	cipher crypt.Cipher
	out    io.Writer
	bars   *fileBars

	mu    sync.Mutex
	convs map[*conversation.Conversation]string
}

func (s *server) accept(req conversation.Request) {
	ctx := context.Background()
	log := s.node.Logger().WithFields(logrus.Fields{"peer": req.Peer, "remote": req.ConvName})

	name, err := s.node.Manager().GenerateName(ctx, "serve")
	if err != nil {
		log.Warnf("Failed to name conversation: %v", err)
		return
	}

	conv := conversation.New(s.node.Transmitter(), conversation.Options{
		Name:         name,
		Cipher:       s.cipher,
		Dir:          serveOpts.dir,
		FileProgress: s.bars,
		OnMessage:    func(data []byte, peer string) { fmt.Fprintf(s.out, "%s: %s\n", peer, data) },
		OnFile:       func(r conversation.FileReceipt) { s.received(log, r) },
	})
	if err := conv.Join(ctx, req.Peer, req.ConvName); err != nil {
		log.Warnf("Failed to join: %v", err)
		s.node.Manager().ReleaseName(name)
		return
	}

	s.mu.Lock()
	s.convs[conv] = name
	s.mu.Unlock()

	if serveOpts.idle > 0 {
		go s.expire(conv, serveOpts.idle)
	}
}

func (s *server) received(log *logrus.Entry, r conversation.FileReceipt) {
	log = log.WithFields(logrus.Fields{"file": r.Name, "size": r.Size, "path": r.Path})

	info, err := filemeta.Decode(r.Metadata)
	if err != nil {
		log.Warnf("File arrived without readable metadata: %v", err)
		return
	}
	log = log.WithFields(logrus.Fields{"sender": info.Sender, "modified": info.ModTime.Format(time.RFC3339)})
	if info.Note != "" {
		log = log.WithField("note", info.Note)
	}
	if err := filemeta.Verify(r.Path, info); err != nil {
		log.Errorf("File failed verification: %v", err)
		return
	}
	log.Info("File verified")
}

// expire closes conv once it has been quiet for idle.
func (s *server) expire(conv *conversation.Conversation, idle time.Duration) {
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		_, live := s.convs[conv]
		s.mu.Unlock()
		if !live {
			return
		}
		if time.Since(conv.LastActivity()) >= idle {
			s.node.Logger().WithField("conv", conv.Name()).Info("Closing idle conversation")
			s.drop(conv)
			return
		}
	}
}

func (s *server) drop(conv *conversation.Conversation) {
	s.mu.Lock()
	name, ok := s.convs[conv]
	delete(s.convs, conv)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = conv.Close()
	s.node.Manager().ReleaseName(name)
}

func (s *server) closeAll() {
	s.mu.Lock()
	convs := make([]*conversation.Conversation, 0, len(s.convs))
	for c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	for _, c := range convs {
		s.drop(c)
	}
}

func init() {
	chatCmd.Flags().StringVar(&chatOpts.listener, "listener", defaultConvListener, "conversation listener on the peer")
	chatOpts.cipher.bind(chatCmd)

	sendfileCmd.Flags().StringVar(&sendfileOpts.listener, "listener", defaultConvListener, "conversation listener on the peer")
	sendfileCmd.Flags().StringVar(&sendfileOpts.note, "note", "", "free text attached to the file")
	sendfileCmd.Flags().IntVar(&sendfileOpts.chunkSize, "chunk-size", protocol.DefaultChunkSize, "bytes per chunk")
	sendfileOpts.cipher.bind(sendfileCmd)

	serveCmd.Flags().StringVar(&serveOpts.listener, "listener", defaultConvListener, "conversation listener name")
	serveCmd.Flags().StringVar(&serveOpts.dir, "dir", ".", "directory for received files")
	serveCmd.Flags().DurationVar(&serveOpts.idle, "idle", 0, "close conversations quiet for this long, 0 keeps them")
	serveOpts.cipher.bind(serveCmd)
}
