// Command chatcore runs one peer of the causally-ordered group chat: it
// wires together the causal order manager, the roster/transport layer,
// and the controller, then reads chat commands from stdin.
//
// Grounded on the teacher's cmd-less test/testing.go wiring pattern
// (construct peer, transport, protocol in sequence) and on
// sfurman3-chatroom/server.go's flag-based bootstrap shape. This is a
// thin process entrypoint, not an interactive UI concern — the
// command grammar itself lives in pkg/controller.
package main

import (
	"bufio"
	"fmt"
	"os"

	"time"

	"github.com/pkg/errors"

	"github.com/ks-chat/chatcore/pkg/causal"
	"github.com/ks-chat/chatcore/pkg/config"
	"github.com/ks-chat/chatcore/pkg/controller"
	"github.com/ks-chat/chatcore/pkg/envelope"
	"github.com/ks-chat/chatcore/pkg/logging"
	"github.com/ks-chat/chatcore/pkg/roster"
)

// senderShim forwards causal.Sender calls to a *roster.Roster that does
// not exist yet at the point causal.NewManager needs a Sender — the
// manager and the roster each need a handle to the other, so the
// roster is plugged in once it is built.
type senderShim struct {
	r *roster.Roster
}

func (s *senderShim) SendTo(peerID string, env *envelope.Envelope, delay time.Duration) error {
	if s.r == nil {
		return errors.New("sender not yet wired")
	}
	return s.r.SendTo(peerID, env, delay)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "chatcore:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.FromFlags(args)
	if err != nil {
		return err
	}
	if cfg.PeerID == "" {
		return errors.New("missing -id (this peer's network address)")
	}

	logger, err := logging.NewZap(cfg.Debug)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	logger = logger.With(logging.F("peer", cfg.PeerID))

	ctl := controller.New(cfg.PeerID, cfg.HistoryCapacity, logger)
	sender := &senderShim{}
	manager := causal.NewManager(cfg.PeerID, ctl, sender, logger)
	manager.SetStallWarnAfter(cfg.StallWarnAfter)

	r := roster.New(manager, logger)
	sender.r = r
	r.OnPeerConnected = ctl.SnapshotOnConnect
	ctl.BindManager(manager)

	ctl.OnNotice = func(text string) { fmt.Println(text) }
	ctl.OnChatMessage = func(text string) { fmt.Println(text) }

	fmt.Printf("connected as %s (udp=%d tcp=%d)\n", cfg.PeerID, cfg.UDPPort, cfg.TCPPort)
	fmt.Print("display name: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return errors.New("no input")
	}
	ctl.Start(scanner.Text())

	defer func() {
		manager.Stop()
		if err := r.Close(); err != nil {
			logger.Warnf("closing roster: %v", err)
		}
	}()

	return runCommandLoop(scanner, ctl)
}

func runCommandLoop(scanner *bufio.Scanner, ctl *controller.Controller) error {
	for scanner.Scan() {
		if err := ctl.HandleCommand(scanner.Text()); err != nil {
			if errors.Is(err, controller.ErrQuit) {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	return scanner.Err()
}
