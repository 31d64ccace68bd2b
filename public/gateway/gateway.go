// Gateway glues the wire codec and transport together into a connection
// state machine: one background reader dispatches inbound frames while
// callers make blocking, timeout-bounded requests from any number of
// goroutines.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjagego/fjage/internal/inbox"
	"github.com/fjagego/fjage/internal/transport"
	"github.com/fjagego/fjage/internal/wire"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrGatewayClosed is returned by the operations of a gateway that has
	// been closed, or whose transport has failed, rather than panicking or
	// leaving the gateway in an inconsistent state. Receive on such a gateway
	// still hands back an already-queued matching message and returns
	// ErrGatewayClosed only when none matches; Close never returns it.
	ErrGatewayClosed = errors.New("gateway: closed")
	// ErrInvalidArgument marks a malformed caller input (e.g. an empty host).
	ErrInvalidArgument = errors.New("gateway: invalid argument")
	// ErrTimeout marks a bounded wait that elapsed without an answer, for
	// operations (like Subscribe) that must report the failure explicitly
	// rather than silently returning a zero value.
	ErrTimeout = errors.New("gateway: timeout")
)

type state int

const (
	stateConnecting state = iota
	stateReady
	stateClosing
	stateClosed
)

// pendingSlot is a one-shot rendezvous slot for a correlated server reply.
type pendingSlot struct {
	ch chan *wire.Frame
}

// Gateway is a connected client appearing as one synthetic agent inside a
// remote master container. A Gateway is safe for concurrent use by multiple
// goroutines; construct one with Open.
type Gateway struct {
	tr    *transport.Transport
	self  AID
	debug bool

	mu    sync.Mutex
	st    state
	subs  map[string]bool
	pend  map[string]*pendingSlot
	inbox *inbox.Inbox

	readerDone chan struct{}
}

// Open dials host:port and performs the initial handshake, returning a
// ready Gateway appearing in the master under a freshly generated synthetic
// AID.
func Open(host string, port int) (*Gateway, error) {
	if host == "" || port <= 0 {
		return nil, fmt.Errorf("%w: host/port", ErrInvalidArgument)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	tr, err := transport.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: open: %w", err)
	}
	return newGateway(tr, New(uuid.New().String()))
}

// OpenConn adopts an already-connected socket (chiefly for tests against an
// in-process mock master) instead of dialing one itself.
func OpenConn(tr *transport.Transport, self AID) (*Gateway, error) {
	return newGateway(tr, self)
}

func newGateway(tr *transport.Transport, self AID) (*Gateway, error) {
	gw := &Gateway{
		tr:         tr,
		self:       self,
		subs:       make(map[string]bool),
		pend:       make(map[string]*pendingSlot),
		inbox:      inbox.New(inbox.DefaultCapacity),
		readerDone: make(chan struct{}),
		st:         stateConnecting,
	}
	if err := gw.handshake(); err != nil {
		tr.Close()
		return nil, err
	}
	gw.setState(stateReady)
	go gw.readLoop()
	return gw, nil
}

// SetDebug sets the gateway's debug flag. No log call in this package
// consults the flag: diagnostics are logged whether or not it is set.
func (gw *Gateway) SetDebug(debug bool) { gw.debug = debug }

func (gw *Gateway) handshake() error {
	f := &wire.Frame{
		Action: "connect",
		ID:     uuid.New().String(),
		Params: mustMarshal(map[string]string{"agentID": gw.self.Name()}),
	}
	line, err := wire.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("gateway: handshake encode: %w", err)
	}
	if err := gw.tr.WriteLine(line); err != nil {
		return fmt.Errorf("gateway: handshake write: %w", err)
	}
	respLine, err := gw.tr.ReadLine()
	if err != nil {
		return fmt.Errorf("gateway: handshake read: %w", err)
	}
	resp, err := wire.DecodeFrame(respLine)
	if err != nil {
		return fmt.Errorf("gateway: handshake decode: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("gateway: handshake refused: %s", resp.Error)
	}
	return nil
}

func (gw *Gateway) setState(s state) {
	gw.mu.Lock()
	gw.st = s
	gw.mu.Unlock()
}

func (gw *Gateway) currentState() state {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.st
}

// AgentID returns the gateway's synthetic AID.
func (gw *Gateway) AgentID() AID { return gw.self }

// Close transitions the gateway through closing → closed: it stops
// accepting new writes, releases all pending responses with a failure, and
// unblocks every inbox waiter. Safe to call more than once.
func (gw *Gateway) Close() error {
	gw.mu.Lock()
	if gw.st == stateClosing {
		select {
		case <-gw.readerDone:
			// The reader already exited on a transport failure and released
			// the pending slots and the inbox; only the socket is left.
			gw.st = stateClosed
			gw.mu.Unlock()
			return gw.tr.Close()
		default:
		}
	}
	if gw.st == stateClosed || gw.st == stateClosing {
		gw.mu.Unlock()
		return nil
	}
	gw.st = stateClosing
	pending := gw.pend
	gw.pend = make(map[string]*pendingSlot)
	gw.mu.Unlock()

	for _, slot := range pending {
		close(slot.ch)
	}
	gw.inbox.Close()
	err := gw.tr.Close()
	<-gw.readerDone
	gw.setState(stateClosed)
	return err
}

func (gw *Gateway) isClosed() bool {
	s := gw.currentState()
	return s == stateClosing || s == stateClosed
}

// readLoop is the gateway's single background reader task: it owns all
// socket reads and routes each decoded frame to its handler. It never does
// user-visible work beyond decode and dispatch.
func (gw *Gateway) readLoop() {
	defer close(gw.readerDone)
	for {
		line, err := gw.tr.ReadLine()
		if err != nil {
			gw.onTransportClosed()
			return
		}
		f, err := wire.DecodeFrame(bytes.TrimSpace(line))
		if err != nil {
			log.Printf("gateway: dropping undecodable frame: %v", err)
			continue
		}
		gw.dispatch(f)
	}
}

func (gw *Gateway) onTransportClosed() {
	gw.mu.Lock()
	if gw.st == stateClosed {
		gw.mu.Unlock()
		return
	}
	gw.st = stateClosing
	pending := gw.pend
	gw.pend = make(map[string]*pendingSlot)
	gw.mu.Unlock()

	for _, slot := range pending {
		close(slot.ch)
	}
	gw.inbox.Close()
}

func (gw *Gateway) dispatch(f *wire.Frame) {
	switch {
	case f.Message != nil && f.Action == "":
		gw.dispatchMessage(f.Message)
	case f.InResponseTo != "":
		gw.dispatchResponse(f)
	case f.Action != "":
		gw.dispatchRequest(f)
	default:
		log.Printf("gateway: dropping frame matching no known shape: %+v", f)
	}
}

func (gw *Gateway) dispatchMessage(wm *wire.Message) {
	msg, err := messageFromWire(wm)
	if err != nil {
		log.Printf("gateway: dropping undecodable message: %v", err)
		return
	}
	recipient := msg.Recipient()
	isTopic := recipient.IsTopic()
	if isTopic {
		gw.mu.Lock()
		subscribed := gw.subs[recipient.Name()]
		gw.mu.Unlock()
		if !subscribed {
			return
		}
	} else if recipient.Name() != gw.self.Name() {
		return
	}
	gw.inbox.Put(inbox.Entry{
		Clazz:     msg.Clazz(),
		InReplyTo: msg.InReplyTo(),
		IsTopic:   isTopic,
		Value:     msg,
	})
}

func (gw *Gateway) dispatchResponse(f *wire.Frame) {
	gw.mu.Lock()
	slot, ok := gw.pend[f.ID]
	if ok {
		delete(gw.pend, f.ID)
	}
	gw.mu.Unlock()
	if !ok {
		return // no caller is waiting on this id; drop it
	}
	slot.ch <- f
}

// dispatchRequest answers a server-initiated action frame immediately. Only
// "agents" and "containsAgent" carry real semantics; "services" always
// answers empty, and anything else gets "not understood".
func (gw *Gateway) dispatchRequest(f *wire.Frame) {
	var resp *wire.Frame
	switch f.Action {
	case "agents":
		resp = &wire.Frame{
			InResponseTo: f.Action,
			ID:           f.ID,
			Params:       mustMarshal([]string{gw.self.Name()}),
		}
	case "containsAgent":
		var params struct {
			AgentID string `json:"agentID"`
		}
		_ = json.Unmarshal(f.Params, &params)
		resp = &wire.Frame{
			InResponseTo: f.Action,
			ID:           f.ID,
			Params:       mustMarshal(params.AgentID == gw.self.Name()),
		}
	case "services":
		resp = &wire.Frame{
			InResponseTo: f.Action,
			ID:           f.ID,
			Params:       mustMarshal([]string{}),
		}
	default:
		resp = &wire.Frame{
			InResponseTo: "notUnderstood",
			ID:           f.ID,
			Error:        "not understood",
		}
	}
	line, err := wire.EncodeFrame(resp)
	if err != nil {
		log.Printf("gateway: encoding server-request response: %v", err)
		return
	}
	if err := gw.tr.WriteLine(line); err != nil {
		log.Printf("gateway: writing server-request response: %v", err)
	}
}

// call sends an action frame and blocks for its correlated response, honoring
// the same millisecond-timeout semantics as Receive: negative waits forever,
// zero polls (fails immediately if no response is already pending, which in
// practice never happens for a fresh request), positive bounds the wait.
func (gw *Gateway) call(action string, params any, timeout time.Duration) (*wire.Frame, error) {
	if gw.isClosed() {
		return nil, ErrGatewayClosed
	}
	id := uuid.New().String()
	slot := &pendingSlot{ch: make(chan *wire.Frame, 1)}

	gw.mu.Lock()
	if gw.st != stateReady {
		gw.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	gw.pend[id] = slot
	gw.mu.Unlock()

	raw, err := marshalAny(params)
	if err != nil {
		return nil, err
	}
	f := &wire.Frame{Action: action, ID: id, Params: raw}
	line, err := wire.EncodeFrame(f)
	if err != nil {
		gw.dropPending(id)
		return nil, err
	}
	if err := gw.tr.WriteLine(line); err != nil {
		gw.dropPending(id)
		return nil, fmt.Errorf("gateway: %s: %w", action, err)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout >= 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp, ok := <-slot.ch:
		if !ok {
			return nil, ErrGatewayClosed
		}
		return resp, nil
	case <-timeoutCh:
		gw.dropPending(id)
		return nil, nil // timeout is not fatal; the gateway remains usable
	}
}

func (gw *Gateway) dropPending(id string) {
	gw.mu.Lock()
	delete(gw.pend, id)
	gw.mu.Unlock()
}

// Subscribe adds topic to the local subscription table and asks the master
// to forward its traffic.
func (gw *Gateway) Subscribe(topic AID) error {
	if gw.isClosed() {
		return ErrGatewayClosed
	}
	resp, err := gw.call("wantsMessagesFor", map[string]string{"topic": topic.String()}, 5*time.Second)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("gateway: subscribe %s: %w", topic, ErrTimeout)
	}
	gw.mu.Lock()
	gw.subs[topic.Name()] = true
	gw.mu.Unlock()
	return nil
}

// Unsubscribe removes topic from the local subscription table; deliveries
// for it are dropped from that point on.
func (gw *Gateway) Unsubscribe(topic AID) error {
	if gw.isClosed() {
		return ErrGatewayClosed
	}
	gw.mu.Lock()
	delete(gw.subs, topic.Name())
	gw.mu.Unlock()
	return nil
}

// IsSubscribed reports whether topic is currently in the subscription table.
func (gw *Gateway) IsSubscribed(topic AID) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.subs[topic.Name()]
}

// AgentForService asks the master for a single provider of service, waiting
// up to timeout. Returns the zero AID (AID.IsZero() true) if none is found
// or the call times out.
func (gw *Gateway) AgentForService(service string, timeout time.Duration) (AID, error) {
	resp, err := gw.call("agentForService", map[string]string{"service": service}, timeout)
	if err != nil {
		return AID{}, err
	}
	if resp == nil {
		return AID{}, nil
	}
	var result struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(resp.Params, &result); err != nil || result.Agent == "" {
		return AID{}, nil
	}
	return ParseAID(result.Agent), nil
}

// AgentsForService asks the master for every provider of service, waiting up
// to timeout. It copies up to len(dst) AIDs into dst and returns the total
// count found; passing a nil dst probes the count without copying, mirroring
// the byte/float array getters' size-probe convention.
func (gw *Gateway) AgentsForService(service string, dst []AID, timeout time.Duration) (int, error) {
	resp, err := gw.call("agentsForService", map[string]string{"service": service}, timeout)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	var result struct {
		Agents []string `json:"agents"`
	}
	if err := json.Unmarshal(resp.Params, &result); err != nil {
		return 0, nil
	}
	if dst != nil {
		for i := 0; i < len(result.Agents) && i < len(dst); i++ {
			dst[i] = ParseAID(result.Agents[i])
		}
	}
	return len(result.Agents), nil
}

// Send transmits msg, stamping its sender with the gateway's synthetic AID.
// Send is fire-and-forget: it does not wait for a reply. msg is consumed by
// the call whatever its outcome — further setters and adders on it are
// silent no-ops, and a second Send or Request with it fails with
// ErrInvalidArgument.
func (gw *Gateway) Send(msg *MessageBuilder) error {
	if err := msg.consume(); err != nil {
		return err
	}
	if gw.isClosed() {
		return ErrGatewayClosed
	}
	wm, err := msg.toWire(gw.self)
	if err != nil {
		return fmt.Errorf("gateway: send: %w", err)
	}
	f := &wire.Frame{Action: "send", ID: uuid.New().String(), Message: wm}
	line, err := wire.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("gateway: send: %w", err)
	}
	if err := gw.tr.WriteLine(line); err != nil {
		return fmt.Errorf("gateway: send: %w", err)
	}
	return nil
}

// Receive drains the inbox for the first queued message whose class matches
// clazz (empty matches any) and whose in-reply-to matches id (empty matches
// any). timeout follows the library-wide convention: negative waits forever,
// zero polls, positive bounds the wait. Returns nil, nil on timeout or
// not-found — this is an expected outcome, not an error.
func (gw *Gateway) Receive(clazz, id string, timeout time.Duration) (*Message, error) {
	matcher := inbox.Matcher{Clazz: clazz, ID: id}
	if gw.isClosed() {
		v, ok := gw.inbox.Receive(matcher, 0)
		if !ok {
			return nil, ErrGatewayClosed
		}
		return v.(*Message), nil
	}
	v, ok := gw.inbox.Receive(matcher, timeout)
	if !ok {
		return nil, nil
	}
	return v.(*Message), nil
}

// Request sends msg and blocks for a reply whose in-reply-to equals msg's
// id, up to timeout. Equivalent to Send followed by Receive("", msg.ID(),
// timeout).
func (gw *Gateway) Request(msg *MessageBuilder, timeout time.Duration) (*Message, error) {
	id := msg.ID()
	if err := gw.Send(msg); err != nil {
		return nil, err
	}
	return gw.Receive("", id, timeout)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal %T: %v", v, err))
	}
	return raw
}

func marshalAny(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal params: %w", err)
	}
	return raw, nil
}
