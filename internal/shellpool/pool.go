// Package shellpool (continued): the dispatcher's shell/client FSM tables
// and its single dispatch goroutine.
//
// Reader goroutines (one per shell PTY, one per client connection) funnel
// events into one buffered channel that dispatchLoop drains. dispatchLoop
// is the only code that mutates the shell and client tables, so no FSM
// state needs its own lock.
package shellpool

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ianremillard/pdip/internal/pco"
	"github.com/ianremillard/pdip/internal/pdipstatus"
	"github.com/ianremillard/pdip/internal/reaper"
)

// shellState is one of the five states a shell slot moves through.
type shellState int

const (
	shellFree shellState = iota
	shellAllocated
	shellWaitEOC
	shellWaitStatus
	shellFreeing
)

func (s shellState) String() string {
	switch s {
	case shellFree:
		return "FREE"
	case shellAllocated:
		return "ALLOCATED"
	case shellWaitEOC:
		return "WAIT_EOC"
	case shellWaitStatus:
		return "WAIT_STATUS"
	case shellFreeing:
		return "FREEING"
	default:
		return "UNKNOWN"
	}
}

// shell is one pooled /bin/sh, quiet-booted and synchronized on its prompt.
type shell struct {
	id       int
	pco      *pco.PCO
	state    shellState
	clientID int // -1 when unbound
	promptRe *regexp.Regexp

	// statusBuf accumulates output seen while in WAIT_STATUS. The pooled
	// shells run with RECV_ON_THE_FLOW, so the digits "echo $?" prints can
	// arrive as a complete-line DATA block of their own, before the prompt's
	// FOUND; parsing only the FOUND display would miss them.
	statusBuf []byte
}

// client is one connected endpoint. shellID is -1 when unbound.
type client struct {
	id      int
	conn    net.Conn
	shellID int
}

type eventKind int

const (
	evNewClient eventKind = iota
	evCmd
	evShellData
	evShellFound
	evShellError
	evClientDCNX
)

type event struct {
	kind     eventKind
	clientID int
	shellID  int
	payload  []byte
	conn     net.Conn
}

// Pool is the dispatcher: N pooled shells serving M connected clients
// through the per-shell FSM.
//
// All shell/client table mutation happens on the single goroutine that runs
// dispatchLoop; everything else (acceptLoop, shellReader, clientReader) only
// ever sends events on the events channel and never touches the tables
// directly.
type Pool struct {
	cfg      Config
	listener net.Listener
	gc       *gracefulCloser

	shells  []*shell
	clients map[int]*client

	nextClientID atomic.Int64

	events chan event
	done   chan struct{}
}

// promptFor returns a unique-enough PS1 token for shell id, embedding the
// process pid so two dispatchers sharing a host never collide.
func promptFor(id int) string {
	return fmt.Sprintf("RSYSD_PDIP_%d_%d> ", os.Getpid(), id)
}

// NewPool parses cfg.Affinity, boots one PCO-backed shell per field, and
// returns a Pool ready to Serve. Boot is the quiet-boot sequence: PS1 is
// set via the child's environment before exec (a plain /bin/sh only honors
// PS1 when its stdin is a terminal, which the PTY slave satisfies), the
// dispatcher waits for the first prompt, issues "stty -echo", and waits for
// the prompt a second time before the shell is usable. The prompt is the
// universal synchronization point; echo would corrupt the input side of
// the dialogue.
func NewPool(cfg Config) (*Pool, error) {
	affinities, err := ParseAffinities(cfg.Affinity)
	if err != nil {
		return nil, fmt.Errorf("shellpool: %w", err)
	}

	p := &Pool{
		cfg:     cfg,
		clients: make(map[int]*client),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		gc:      newGracefulCloser(cfg.GracefulCloseTimeout),
	}

	pco.Configure(reaper.ModeInternal, 0)

	for i, aff := range affinities {
		s, err := bootShell(i, aff, cfg)
		if err != nil {
			p.closeBootedShells()
			return nil, fmt.Errorf("shellpool: boot shell %d: %w", i, err)
		}
		p.shells = append(p.shells, s)
	}

	return p, nil
}

func (p *Pool) closeBootedShells() {
	for _, s := range p.shells {
		s.pco.Delete()
	}
}

func bootShell(id int, aff *pco.Affinity, cfg Config) (*shell, error) {
	pcfg := pco.DefaultConfig()
	pcfg.Flags = pco.FlagErrRedirect | pco.FlagRecvOnTheFlow
	pcfg.Affinity = aff
	pcfg.TerminationGrace = cfg.TerminationGrace

	obj := pco.New(&pcfg)
	token := promptFor(id)
	if _, err := obj.ExecEnv([]string{"/bin/sh"}, []string{"PS1=" + token}); err != nil {
		return nil, fmt.Errorf("exec /bin/sh: %w", err)
	}

	pattern := "^" + regexp.QuoteMeta(token) + "$"
	if err := waitForPrompt(obj, pattern); err != nil {
		obj.Delete()
		return nil, fmt.Errorf("waiting for first prompt: %w", err)
	}
	if _, err := obj.Send("stty -echo\n"); err != nil {
		obj.Delete()
		return nil, fmt.Errorf("stty -echo: %w", err)
	}
	if err := waitForPrompt(obj, pattern); err != nil {
		obj.Delete()
		return nil, fmt.Errorf("waiting for post-stty prompt: %w", err)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		obj.Delete()
		return nil, fmt.Errorf("compile prompt regex: %w", err)
	}

	return &shell{id: id, pco: obj, state: shellFree, clientID: -1, promptRe: re}, nil
}

// waitForPrompt drains Recv results until the prompt regex matches (FOUND),
// treating DATA as boot-time chatter (motd, shell rc-file output) to discard.
func waitForPrompt(obj *pco.PCO, pattern string) error {
	for {
		_, res, err := obj.Recv(pattern, nil)
		if err != nil {
			return err
		}
		switch res {
		case pco.RecvFound:
			return nil
		case pco.RecvData:
			continue
		default:
			return fmt.Errorf("unexpected recv result %v waiting for prompt", res)
		}
	}
}

// Serve binds cfg.SocketPath, removing any stale socket file first, and
// blocks running the accept loop and the dispatch loop until Close.
func (p *Pool) Serve() error {
	os.Remove(p.cfg.SocketPath)

	l, err := net.Listen("unix", p.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("shellpool: listen on %s: %w", p.cfg.SocketPath, err)
	}
	if err := os.Chmod(p.cfg.SocketPath, 0o666); err != nil {
		log.Printf("shellpool: chmod %s: %v", p.cfg.SocketPath, err)
	}
	p.listener = l

	for _, s := range p.shells {
		go p.shellReader(s)
	}
	go p.acceptLoop()

	p.dispatchLoop()
	return nil
}

// Close stops the accept loop and tears down every pooled shell.
func (p *Pool) Close() error {
	close(p.done)
	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	for _, s := range p.shells {
		s.pco.Delete()
	}
	return err
}

func (p *Pool) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
				log.Printf("shellpool: accept: %v", err)
				return
			}
		}
		id := int(p.nextClientID.Add(1))
		c := &client{id: id, conn: conn, shellID: -1}
		go p.clientReader(c)
		p.events <- event{kind: evNewClient, clientID: id, conn: conn}
	}
}

// clientReader relays framed commands until the connection drops. The
// protocol is request/response, not pipelined: a CMD frame arriving while
// the client is still bound to a shell (before its EOC) is a protocol
// violation the dispatch loop logs and ignores.
func (p *Pool) clientReader(c *client) {
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			p.events <- event{kind: evClientDCNX, clientID: c.id}
			return
		}
		if f.Type != FrameCmd {
			log.Printf("shellpool: client %d: unexpected frame type %d", c.id, f.Type)
			continue
		}
		p.events <- event{kind: evCmd, clientID: c.id, payload: f.Payload}
	}
}

// shellReader drains one shell's prompt-synchronized output forever,
// funneling DATA/FOUND/ERROR into the dispatch loop. internal/pco.Recv
// already performs the blocking-read-then-match loop, so this goroutine's
// only job is calling it repeatedly and relaying the result.
func (p *Pool) shellReader(s *shell) {
	pattern := s.promptRe.String()
	for {
		disp, res, err := s.pco.Recv(pattern, nil)
		if err != nil {
			p.events <- event{kind: evShellError, shellID: s.id, payload: []byte(err.Error())}
			return
		}
		switch res {
		case pco.RecvFound:
			p.events <- event{kind: evShellFound, shellID: s.id, payload: disp}
		case pco.RecvData:
			p.events <- event{kind: evShellData, shellID: s.id, payload: disp}
		case pco.RecvTimeout:
			// Recv is called with no timeout here; RecvTimeout cannot occur.
		}
	}
}

// dispatchLoop is the sole writer of p.shells and p.clients.
func (p *Pool) dispatchLoop() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.events:
			switch ev.kind {
			case evNewClient:
				p.clients[ev.clientID] = &client{id: ev.clientID, conn: ev.conn, shellID: -1}
			case evCmd:
				p.handleCmd(ev.clientID, ev.payload)
			case evShellData:
				p.handleShellData(ev.shellID, ev.payload)
			case evShellFound:
				p.handleShellFound(ev.shellID, ev.payload)
			case evShellError:
				p.handleShellError(ev.shellID)
			case evClientDCNX:
				p.handleClientDCNX(ev.clientID)
			}
		}
	}
}

func (p *Pool) handleCmd(clientID int, cmdLine []byte) {
	c, ok := p.clients[clientID]
	if !ok {
		return
	}
	if c.shellID != -1 {
		log.Printf("shellpool: client %d sent CMD while already bound to shell %d", c.id, c.shellID)
		return
	}

	var free *shell
	for _, s := range p.shells {
		if s.state == shellFree {
			free = s
			break
		}
	}
	if free == nil {
		p.gc.writeThenClose(c.conn, Frame{Type: FrameBusy})
		return
	}

	free.state = shellAllocated
	free.clientID = c.id
	c.shellID = free.id

	line := strings.TrimRight(string(cmdLine), "\x00")
	if _, err := free.pco.Send("%s\n", line); err != nil {
		p.sendEOC(c, -1)
		p.unbind(free, c)
		free.state = shellFree
		return
	}
	free.state = shellWaitEOC
}

func (p *Pool) handleShellData(shellID int, data []byte) {
	s := p.shellByID(shellID)
	if s == nil {
		return
	}
	switch s.state {
	case shellWaitEOC:
		if c := p.clientByID(s.clientID); c != nil {
			if err := WriteFrame(c.conn, Frame{Type: FrameDisplay, Payload: data}); err != nil {
				log.Printf("shellpool: client %d: write display: %v", c.id, err)
			}
		}
	case shellWaitStatus:
		s.statusBuf = append(s.statusBuf, data...)
	case shellFreeing:
		// Drained output of an abandoned command; discard.
	default:
		log.Printf("shellpool: shell %d: unexpected DATA in state %s", s.id, s.state)
	}
}

func (p *Pool) handleShellFound(shellID int, data []byte) {
	s := p.shellByID(shellID)
	if s == nil {
		return
	}
	switch s.state {
	case shellWaitEOC:
		if c := p.clientByID(s.clientID); c != nil {
			if line := stripTrailingPrompt(data); len(line) > 0 {
				WriteFrame(c.conn, Frame{Type: FrameDisplay, Payload: line})
			}
		}
		if _, err := s.pco.Send("echo $?\n"); err != nil {
			if c := p.clientByID(s.clientID); c != nil {
				p.sendEOC(c, -1)
				p.unbind(s, c)
			}
			s.state = shellFree
			return
		}
		s.statusBuf = s.statusBuf[:0]
		s.state = shellWaitStatus

	case shellWaitStatus:
		status := parseShellStatus(append(s.statusBuf, data...))
		s.statusBuf = nil
		c := p.clientByID(s.clientID)
		if c != nil {
			p.sendEOC(c, int32(status))
			p.unbind(s, c)
		}
		s.state = shellFree

	case shellFreeing:
		s.clientID = -1
		s.state = shellFree

	default:
		log.Printf("shellpool: shell %d: unexpected FOUND in state %s", s.id, s.state)
	}
}

func (p *Pool) handleShellError(shellID int) {
	s := p.shellByID(shellID)
	if s == nil {
		return
	}
	if c := p.clientByID(s.clientID); c != nil {
		p.sendEOC(c, -1)
		p.unbind(s, c)
	}
	s.state = shellFree
}

func (p *Pool) handleClientDCNX(clientID int) {
	c, ok := p.clients[clientID]
	if !ok {
		return
	}
	delete(p.clients, clientID)

	if c.shellID == -1 {
		return
	}
	s := p.shellByID(c.shellID)
	if s == nil {
		return
	}
	switch s.state {
	case shellAllocated:
		s.clientID = -1
		s.state = shellFree
	case shellWaitEOC, shellWaitStatus:
		// A FREEING shell has no client, only an in-flight prompt to drain.
		s.clientID = -1
		s.state = shellFreeing
	case shellFreeing:
		// Already unwinding; nothing to do.
	}
}

func (p *Pool) unbind(s *shell, c *client) {
	s.clientID = -1
	c.shellID = -1
}

func (p *Pool) sendEOC(c *client, status int32) {
	if err := WriteFrame(c.conn, Frame{Type: FrameEOC, Status: status}); err != nil {
		log.Printf("shellpool: client %d: write EOC: %v", c.id, err)
	}
}

func (p *Pool) shellByID(id int) *shell {
	for _, s := range p.shells {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (p *Pool) clientByID(id int) *client {
	if id == -1 {
		return nil
	}
	return p.clients[id]
}

// stripTrailingPrompt removes the matched prompt occurrence at the tail of
// data (the display block recv returns includes the prompt itself, per the
// reception-buffer semantics: "bytes at or before the matched substring are
// returned to the caller").
func stripTrailingPrompt(data []byte) []byte {
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	return data[:idx+1]
}

// parseShellStatus parses the digits the shell echoed for "$?" out of data
// (which also contains the trailing prompt) and encodes it per the
// system(3) convention pdipstatus.Word follows.
func parseShellStatus(data []byte) pdipstatus.Word {
	line := stripTrailingPrompt(data)
	fields := strings.Fields(string(bytes.TrimSpace(line)))
	if len(fields) == 0 {
		return pdipstatus.Word(0xFFFFFFFF) // sentinel error status
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return pdipstatus.Word(0xFFFFFFFF)
	}
	return pdipstatus.FromShellWord(n)
}
