package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-mesh/internal/mesh"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/signal"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

const (
	maxLineLength    = 1 << 20
	defaultSpeedSize = 10 << 20
	countdownEvery   = 10 * time.Second
)

const helpText = `commands:
  /offer                 create a connection code for a new peer
  /accept <code>         answer a peer's connection code
  /answer <code> [key]   complete a connection you offered
  /peers                 list connected peers
  /say <text>            message everyone (plain lines do the same)
  /msg <peer> <text>     message one peer
  /typing on|off         tell everyone whether you are typing
  /file <peer> <path>    send a file
  /ping <peer>           measure round-trip time
  /speed <peer> [MB]     measure throughput
  /reoffer <peer>        show the fresh code for a peer that dropped
  /cancel <peer>         stop waiting for a peer that dropped
  /close <peer>          disconnect one peer
  /quit                  say goodbye and exit`

type command struct {
	name string
	args []string
	// rest is everything after the command name, untrimmed of inner spaces.
	rest string
}

// parseCommand splits an input line. Lines without a leading slash are
// messages to everyone.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", args: strings.Fields(line), rest: line}, true
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	return command{name: strings.ToLower(name), args: strings.Fields(rest), rest: rest}, true
}

// tail returns the text after the first n arguments.
func (c command) tail(n int) string {
	rest := c.rest
	for range n {
		rest = strings.TrimSpace(rest)
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	return strings.TrimSpace(rest)
}

type repl struct {
	mgr         *mesh.Manager
	in          io.Reader
	out         io.Writer
	log         logrus.FieldLogger
	downloadDir string

	outMu sync.Mutex
	seq   atomic.Int64

	mu        sync.Mutex
	lastOffer string
	reoffers  map[string]mesh.ReofferReady
	pings     map[int64]time.Time
}

func newREPL(mgr *mesh.Manager, in io.Reader, out io.Writer, log logrus.FieldLogger, downloadDir string) *repl {
	return &repl{
		mgr:         mgr,
		in:          in,
		out:         out,
		log:         log,
		downloadDir: downloadDir,
		reoffers:    make(map[string]mesh.ReofferReady),
		pings:       make(map[int64]time.Time),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// run reads commands until /quit, end of input or ctx is done. It reports
// whether the user left on purpose.
func (r *repl) run(ctx context.Context) bool {
	events, cancel := r.mgr.Subscribe(256)
	defer cancel()
	go r.printEvents(events)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	id := r.mgr.Identity()
	r.printf("You are %s (%s). Type /help for commands.", id.Name, id.PeerID)

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			if cmd.name == "quit" || cmd.name == "exit" {
				return true
			}
			if err := r.exec(ctx, cmd); err != nil {
				r.printf("! %v", err)
			}
		}
	}
}

var errUsage = errors.New("wrong arguments, see /help")

func (r *repl) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "help":
		r.printf("%s", helpText)
		return nil
	case "offer":
		return r.offer(ctx)
	case "accept":
		if len(cmd.args) != 1 {
			return errUsage
		}
		return r.accept(ctx, cmd.args[0])
	case "answer":
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return errUsage
		}
		key := ""
		if len(cmd.args) == 2 {
			key = cmd.args[1]
		}
		return r.answer(ctx, cmd.args[0], key)
	case "peers":
		r.peers()
		return nil
	case "say":
		if cmd.rest == "" {
			return errUsage
		}
		if !r.mgr.Broadcast(protocol.Text{Data: cmd.rest}) {
			return errors.New("nobody is connected")
		}
		return nil
	case "msg":
		if len(cmd.args) < 2 {
			return errUsage
		}
		peer, err := r.resolve(cmd.args[0])
		if err != nil {
			return err
		}
		if !r.mgr.Send(peer.PeerID, protocol.Text{Data: cmd.tail(1)}) {
			return fmt.Errorf("could not send to %s", peer.Name)
		}
		return nil
	case "typing":
		if len(cmd.args) != 1 {
			return errUsage
		}
		r.mgr.Broadcast(protocol.Typing{IsTyping: cmd.args[0] == "on"})
		return nil
	case "file":
		if len(cmd.args) < 2 {
			return errUsage
		}
		return r.sendFile(ctx, cmd.args[0], cmd.tail(1))
	case "ping":
		if len(cmd.args) != 1 {
			return errUsage
		}
		return r.ping(cmd.args[0])
	case "speed":
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return errUsage
		}
		size := int64(defaultSpeedSize)
		if len(cmd.args) == 2 {
			mb, err := strconv.ParseFloat(cmd.args[1], 64)
			if err != nil || mb <= 0 {
				return errUsage
			}
			size = int64(mb * (1 << 20))
		}
		return r.speed(ctx, cmd.args[0], size)
	case "reoffer":
		if len(cmd.args) != 1 {
			return errUsage
		}
		return r.reoffer(cmd.args[0])
	case "cancel":
		if len(cmd.args) != 1 {
			return errUsage
		}
		return r.mgr.CancelGrace(r.peerID(cmd.args[0]))
	case "close":
		if len(cmd.args) != 1 {
			return errUsage
		}
		return r.mgr.CloseOne(r.peerID(cmd.args[0]))
	default:
		return fmt.Errorf("unknown command /%s, see /help", cmd.name)
	}
}

func (r *repl) offer(ctx context.Context) error {
	offer, err := r.mgr.CreateOffer(ctx)
	if err != nil {
		return err
	}
	code, err := signal.Encode(offer.Description)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.lastOffer = offer.Key
	r.mu.Unlock()

	r.printf("Send this code to your peer, then paste their reply with /answer:\n\n%s\n", code)
	go r.await(ctx, offer.Key)
	return nil
}

func (r *repl) accept(ctx context.Context, code string) error {
	desc, err := signal.Decode(code)
	if err != nil {
		return err
	}
	if desc.Type != transport.SDPOffer {
		return errors.New("that is an answer code, use /answer")
	}

	answer, err := r.mgr.AcceptOffer(ctx, desc)
	if err != nil {
		return err
	}
	reply, err := signal.Encode(answer.Description)
	if err != nil {
		return err
	}

	r.printf("Send this reply code back to your peer:\n\n%s\n", reply)
	go r.await(ctx, answer.Key)
	return nil
}

func (r *repl) answer(_ context.Context, code, key string) error {
	desc, err := signal.Decode(code)
	if err != nil {
		return err
	}
	if desc.Type != transport.SDPAnswer {
		return errors.New("that is an offer code, use /accept")
	}

	if key == "" {
		r.mu.Lock()
		key = r.lastOffer
		r.mu.Unlock()
	}
	if key == "" {
		return errors.New("no offer is waiting for an answer")
	}
	return r.mgr.AcceptAnswer(key, desc)
}

func (r *repl) await(ctx context.Context, key string) {
	peer, err := r.mgr.Await(ctx, key)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, mesh.ErrClosed) {
			r.log.Debugf("Connection %s did not complete: %v", key, err)
		}
		return
	}
	r.log.Debugf("Connection %s completed with %s", key, peer.Name)
}

func (r *repl) peers() {
	peers := r.mgr.ConnectedPeers()
	if len(peers) == 0 {
		r.printf("No peers connected.")
		return
	}
	for _, p := range peers {
		if p.Reconnecting {
			r.printf("  %s  %-12s reconnecting, %s left", p.PeerID, p.Name, time.Until(p.ExpiresAt).Round(time.Second))
			continue
		}
		r.printf("  %s  %-12s %-12s sent %d msgs / %d B, received %d msgs / %d B",
			p.PeerID, p.Name, p.Liveness,
			p.Counters.MsgsSent, p.Counters.BytesSent, p.Counters.MsgsReceived, p.Counters.BytesReceived)
	}
}

// resolve finds a connected peer by id or by name, ignoring case and
// spaces.
func (r *repl) resolve(arg string) (mesh.PeerInfo, error) {
	want := strings.ToLower(strings.ReplaceAll(arg, " ", ""))
	for _, p := range r.mgr.ConnectedPeers() {
		if p.PeerID == arg || strings.ToLower(strings.ReplaceAll(p.Name, " ", "")) == want {
			return p, nil
		}
	}
	return mesh.PeerInfo{}, fmt.Errorf("no peer %q", arg)
}

func (r *repl) peerID(arg string) string {
	if p, err := r.resolve(arg); err == nil {
		return p.PeerID
	}
	return arg
}

func (r *repl) sendFile(ctx context.Context, who, path string) error {
	peer, err := r.resolve(who)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription("sending "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	err = r.mgr.SendFile(ctx, peer.PeerID, name, mime.TypeByExtension(filepath.Ext(name)), f, info.Size(),
		func(sent, _ int64) { _ = bar.Set64(sent) })
	_ = bar.Finish()
	if err != nil {
		return err
	}

	r.printf("* sent %s (%d bytes) to %s", name, info.Size(), peer.Name)
	return nil
}

func (r *repl) ping(who string) error {
	peer, err := r.resolve(who)
	if err != nil {
		return err
	}

	id := r.seq.Add(1)
	r.mu.Lock()
	r.pings[id] = time.Now()
	r.mu.Unlock()

	if !r.mgr.Ping(peer.PeerID, id) {
		r.mu.Lock()
		delete(r.pings, id)
		r.mu.Unlock()
		return fmt.Errorf("could not ping %s", peer.Name)
	}
	return nil
}

func (r *repl) speed(ctx context.Context, who string, size int64) error {
	peer, err := r.resolve(who)
	if err != nil {
		return err
	}

	r.printf("* sending %d bytes to %s...", size, peer.Name)
	result, err := r.mgr.SpeedTest(ctx, peer.PeerID, size)
	if err != nil {
		return err
	}
	r.printf("* %d bytes in %s: %.1f Mbps", result.Bytes, result.Duration.Round(time.Millisecond), result.Mbps())
	return nil
}

func (r *repl) reoffer(who string) error {
	id := r.peerID(who)

	r.mu.Lock()
	ready, ok := r.reoffers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no fresh code for %q", who)
	}

	code, err := signal.Encode(ready.Offer)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.lastOffer = ready.Key
	r.mu.Unlock()

	r.printf("Send this code to %s, then paste the reply with /answer:\n\n%s\n", ready.Name, code)
	return nil
}

func (r *repl) printEvents(events <-chan mesh.Event) {
	lastCountdown := make(map[string]time.Time)
	for ev := range events {
		switch ev := ev.(type) {
		case mesh.PeerJoined:
			r.printf("* %s joined", ev.Name)
		case mesh.PeerReconnected:
			r.forgetReoffer(ev.PeerID)
			r.printf("* %s reconnected", ev.Name)
		case mesh.PeerLeft:
			r.forgetReoffer(ev.PeerID)
			delete(lastCountdown, ev.PeerID)
			r.printf("* %s", ev)
		case mesh.PeerReconnecting:
			r.printf("* lost %s, waiting %s for it to come back", ev.Name, time.Until(ev.ExpiresAt).Round(time.Second))
		case mesh.ReofferReady:
			r.mu.Lock()
			r.reoffers[ev.PeerID] = ev
			r.mu.Unlock()
			r.printf("* a fresh code for %s is ready, show it with /reoffer %s", ev.Name, ev.PeerID)
		case mesh.GraceCountdown:
			if time.Since(lastCountdown[ev.PeerID]) < countdownEvery {
				continue
			}
			lastCountdown[ev.PeerID] = time.Now()
			r.printf("* %s: %s left to reconnect", ev.Name, ev.Remaining.Round(time.Second))
		case mesh.LivenessChanged:
			r.printf("* %s is %s", ev.Name, ev.Liveness)
		case mesh.MessageReceived:
			r.printMessage(ev)
		case mesh.FileIncoming:
			r.printf("* %s is sending %s (%d bytes)", ev.Name, ev.File.Name, ev.File.Size)
		case mesh.FileReceived:
			r.saveFile(ev)
		case mesh.SpeedTestReceived:
			r.printf("* speed test from %s: %.1f Mbps", ev.Name, ev.Result.Mbps())
		case mesh.ConnectionFailed:
			r.printf("! connection %s failed: %v", ev.Key, ev.Err)
		}
	}
}

func (r *repl) printMessage(ev mesh.MessageReceived) {
	switch msg := ev.Message.(type) {
	case *protocol.Text:
		r.printf("<%s> %s", ev.Name, msg.Data)
	case *protocol.Typing:
		if msg.IsTyping {
			r.printf("* %s is typing...", ev.Name)
		}
	case *protocol.Pong:
		r.mu.Lock()
		sentAt, ok := r.pings[msg.ID]
		delete(r.pings, msg.ID)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.printf("* pong from %s in %s", ev.Name, time.Since(sentAt).Round(time.Microsecond))
	}
}

func (r *repl) saveFile(ev mesh.FileReceived) {
	if err := os.MkdirAll(r.downloadDir, 0o755); err != nil {
		r.log.Warnf("Failed to create %s: %v", r.downloadDir, err)
		return
	}
	name := filepath.Base(ev.File.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		name = "download"
	}
	path := filepath.Join(r.downloadDir, name)
	if err := os.WriteFile(path, ev.File.Data, 0o644); err != nil {
		r.log.Warnf("Failed to save %s: %v", ev.File.Name, err)
		return
	}
	r.printf("* received %s from %s, saved to %s", ev.File.Name, ev.Name, path)
}

func (r *repl) forgetReoffer(peerID string) {
	r.mu.Lock()
	delete(r.reoffers, peerID)
	r.mu.Unlock()
}
