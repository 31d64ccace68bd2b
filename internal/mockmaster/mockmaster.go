// Package mockmaster implements a minimal loopback stand-in for a master
// container, used only by tests. It accepts gateway connections, answers the
// connect handshake, tracks topic subscriptions, forwards published topic
// traffic, answers agentForService/agentsForService against a small
// in-memory registry, and can push server-initiated agents/containsAgent
// queries to a connected gateway on demand.
package mockmaster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fjagego/fjage/internal/wire"
)

// Master is an accept loop holding one or more gateway connections.
type Master struct {
	ln net.Listener

	mu        sync.Mutex
	conns     map[*conn]struct{}
	services  map[string][]string // service name -> agent names
	responses map[string]chan *wire.Frame
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type conn struct {
	c       net.Conn
	agentID string
	topics  map[string]bool

	writeMu sync.Mutex
}

// Start listens on an ephemeral loopback port and begins accepting
// connections in the background. Call Addr to learn the chosen port.
func Start() (*Master, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("mockmaster: listen: %w", err)
	}
	m := &Master{
		ln:        ln,
		conns:     make(map[*conn]struct{}),
		services:  make(map[string][]string),
		responses: make(map[string]chan *wire.Frame),
	}
	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// Addr returns the listener's address, usable as host:port by a gateway.
func (m *Master) Addr() string { return m.ln.Addr().String() }

// RegisterService makes agent a discoverable provider of service.
func (m *Master) RegisterService(service, agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], agent)
}

func (m *Master) acceptLoop() {
	defer m.wg.Done()
	for {
		c, err := m.ln.Accept()
		if err != nil {
			return
		}
		cn := &conn{c: c, topics: make(map[string]bool)}
		m.mu.Lock()
		m.conns[cn] = struct{}{}
		m.mu.Unlock()
		m.wg.Add(1)
		go m.serve(cn)
	}
}

func (m *Master) serve(cn *conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, cn)
		m.mu.Unlock()
		cn.c.Close()
	}()

	buf := make([]byte, 0, 4096)
	scratch := make([]byte, 4096)
	for {
		n, err := cn.c.Read(scratch)
		if err != nil {
			return
		}
		buf = append(buf, scratch[:n]...)
		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := bytes.TrimRight(buf[:idx], "\r")
			buf = buf[idx+1:]
			if len(line) == 0 {
				continue
			}
			m.handleLine(cn, line)
		}
	}
}

func (m *Master) handleLine(cn *conn, line []byte) {
	f, err := wire.DecodeFrame(line)
	if err != nil {
		log.Printf("mockmaster: undecodable frame: %v", err)
		return
	}
	if f.Message != nil && f.Action == "send" {
		m.handleSend(cn, f)
		return
	}
	if f.InResponseTo != "" {
		m.deliverResponse(f)
		return
	}
	switch f.Action {
	case "connect":
		m.handleConnect(cn, f)
	case "wantsMessagesFor":
		m.handleSubscribe(cn, f)
	case "agentForService":
		m.handleAgentForService(cn, f)
	case "agentsForService":
		m.handleAgentsForService(cn, f)
	default:
		m.writeTo(cn, &wire.Frame{InResponseTo: "notUnderstood", ID: f.ID, Error: "not understood"})
	}
}

func (m *Master) handleConnect(cn *conn, f *wire.Frame) {
	var params struct {
		AgentID string `json:"agentID"`
	}
	_ = json.Unmarshal(f.Params, &params)
	cn.agentID = params.AgentID
	m.writeTo(cn, &wire.Frame{InResponseTo: "connect", ID: f.ID})
}

func (m *Master) handleSubscribe(cn *conn, f *wire.Frame) {
	var params struct {
		Topic string `json:"topic"`
	}
	_ = json.Unmarshal(f.Params, &params)
	cn.topics[strings.TrimPrefix(params.Topic, "#")] = true
	m.writeTo(cn, &wire.Frame{InResponseTo: "wantsMessagesFor", ID: f.ID})
}

func (m *Master) handleAgentForService(cn *conn, f *wire.Frame) {
	var params struct {
		Service string `json:"service"`
	}
	_ = json.Unmarshal(f.Params, &params)
	m.mu.Lock()
	agents := m.services[params.Service]
	m.mu.Unlock()
	result := map[string]string{}
	if len(agents) > 0 {
		result["agent"] = agents[0]
	}
	raw, _ := json.Marshal(result)
	m.writeTo(cn, &wire.Frame{InResponseTo: "agentForService", ID: f.ID, Params: raw})
}

func (m *Master) handleAgentsForService(cn *conn, f *wire.Frame) {
	var params struct {
		Service string `json:"service"`
	}
	_ = json.Unmarshal(f.Params, &params)
	m.mu.Lock()
	agents := m.services[params.Service]
	m.mu.Unlock()
	raw, _ := json.Marshal(map[string][]string{"agents": agents})
	m.writeTo(cn, &wire.Frame{InResponseTo: "agentsForService", ID: f.ID, Params: raw})
}

// handleSend delivers a message frame: if addressed to a topic, it is
// rebroadcast to every connection subscribed to that topic (including the
// sender, matching fjåge's own loopback-to-self behavior for topics);
// otherwise it is delivered verbatim only to the connection whose agentID
// equals the recipient.
func (m *Master) handleSend(cn *conn, f *wire.Frame) {
	msg := f.Message
	m.mu.Lock()
	targets := make([]*conn, 0, len(m.conns))
	for c := range m.conns {
		if len(msg.Recipient) > 0 && msg.Recipient[0] == '#' {
			if c.topics[msg.Recipient[1:]] {
				targets = append(targets, c)
			}
			continue
		}
		if c.agentID == msg.Recipient {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()
	for _, t := range targets {
		m.writeTo(t, &wire.Frame{Message: msg})
	}
}

// PushRequest sends a server-initiated action frame (e.g. "agents" or
// "containsAgent") to the gateway identified by agentID, returning an error
// if no such connection exists. The gateway's eventual response can be
// retrieved with WaitForResponse(f.ID, ...).
func (m *Master) PushRequest(agentID string, f *wire.Frame) error {
	m.mu.Lock()
	var target *conn
	for c := range m.conns {
		if c.agentID == agentID {
			target = c
			break
		}
	}
	m.responses[f.ID] = make(chan *wire.Frame, 1)
	m.mu.Unlock()
	if target == nil {
		return fmt.Errorf("mockmaster: no connection for agent %q", agentID)
	}
	m.writeTo(target, f)
	return nil
}

func (m *Master) deliverResponse(f *wire.Frame) {
	m.mu.Lock()
	ch, ok := m.responses[f.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch <- f
}

// WaitForResponse blocks until the gateway answers the request previously
// sent with PushRequest(..., id), or timeout elapses.
func (m *Master) WaitForResponse(id string, timeout time.Duration) (*wire.Frame, bool) {
	m.mu.Lock()
	ch, ok := m.responses[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case f := <-ch:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (m *Master) writeTo(cn *conn, f *wire.Frame) {
	line, err := wire.EncodeFrame(f)
	if err != nil {
		log.Printf("mockmaster: encode: %v", err)
		return
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	cn.c.Write(append(line, '\n'))
}

// Close stops accepting connections and closes every open one.
func (m *Master) Close() {
	m.closeOnce.Do(func() {
		m.ln.Close()
		m.mu.Lock()
		for c := range m.conns {
			c.c.Close()
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}
