package gateway

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fjagego/fjage/internal/mockmaster"
	"github.com/fjagego/fjage/internal/wire"
)

func dialTestGateway(t *testing.T, m *mockmaster.Master) *Gateway {
	t.Helper()
	host, port := splitAddr(t, m.Addr())
	gw, err := Open(host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parsing addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}

func TestOpenAndAgentID(t *testing.T) {
	m, err := mockmaster.Start()
	if err != nil {
		t.Fatalf("mockmaster.Start: %v", err)
	}
	defer m.Close()

	gw := dialTestGateway(t, m)
	if gw.AgentID().IsZero() {
		t.Fatal("AgentID is zero after Open")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	m, err := mockmaster.Start()
	if err != nil {
		t.Fatalf("mockmaster.Start: %v", err)
	}
	defer m.Close()

	gw := dialTestGateway(t, m)

	// A second gateway plays the role of the ping responder.
	responder := dialTestGateway(t, m)

	go func() {
		req, err := responder.Receive("org.x.Ping", "", 2*time.Second)
		if err != nil || req == nil {
			return
		}
		reply := NewMessage("org.x.Pong", Inform)
		reply.SetRecipient(req.Sender())
		reply.SetInReplyTo(req.ID())
		reply.AddInt("n", req.GetInt("n", 0))
		responder.Send(reply)
	}()

	msg := NewMessage("org.x.Ping", Request)
	msg.SetRecipient(responder.AgentID())
	msg.AddInt("n", 42)

	reply, err := gw.Request(msg, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply == nil {
		t.Fatal("Request timed out")
	}
	if reply.GetInt("n", 0) != 42 {
		t.Errorf("reply n = %d, want 42", reply.GetInt("n", 0))
	}
	if reply.InReplyTo() != msg.ID() {
		t.Errorf("InReplyTo = %q, want %q", reply.InReplyTo(), msg.ID())
	}
}

func TestSubscribeReceivesTopicTrafficUntilUnsubscribe(t *testing.T) {
	m, err := mockmaster.Start()
	if err != nil {
		t.Fatalf("mockmaster.Start: %v", err)
	}
	defer m.Close()

	gw := dialTestGateway(t, m)
	publisher := dialTestGateway(t, m)

	weather := NewTopic("weather")
	if err := gw.Subscribe(weather); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !gw.IsSubscribed(weather) {
		t.Fatal("IsSubscribed false after Subscribe")
	}

	for i := 0; i < 3; i++ {
		msg := NewMessage("org.x.Report", Inform)
		msg.SetRecipient(weather)
		msg.AddInt("seq", int64(i))
		if err := publisher.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		got, err := gw.Receive("", "", 2*time.Second)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got == nil {
			t.Fatalf("Receive timed out waiting for message %d", i)
		}
		if got.GetInt("seq", -1) != int64(i) {
			t.Errorf("message %d: seq = %d", i, got.GetInt("seq", -1))
		}
	}

	if err := gw.Unsubscribe(weather); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	msg := NewMessage("org.x.Report", Inform)
	msg.SetRecipient(weather)
	msg.AddInt("seq", 99)
	if err := publisher.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := gw.Receive("", "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != nil {
		t.Fatalf("received message after unsubscribe: %+v", got)
	}
}

func TestRequestTimesOutAgainstSilentPeerThenRecovers(t *testing.T) {
	m, err := mockmaster.Start()
	if err != nil {
		t.Fatalf("mockmaster.Start: %v", err)
	}
	defer m.Close()

	gw := dialTestGateway(t, m)
	silentPeer := dialTestGateway(t, m)

	msg := NewMessage("org.x.Ping", Request)
	msg.SetRecipient(silentPeer.AgentID())
	start := time.Now()
	reply, err := gw.Request(msg, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply != nil {
		t.Fatal("expected timeout, got a reply")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("returned too quickly")
	}

	// Connection remains usable for a subsequent successful request. The
	// first, unanswered Ping is still queued at the peer, so the peer answers
	// both Pings in order; only the second answer matches msg2.
	go func() {
		for i := 0; i < 2; i++ {
			req, err := silentPeer.Receive("org.x.Ping", "", 2*time.Second)
			if err != nil || req == nil {
				return
			}
			reply := NewMessage("org.x.Pong", Inform)
			reply.SetRecipient(req.Sender())
			reply.SetInReplyTo(req.ID())
			silentPeer.Send(reply)
		}
	}()

	msg2 := NewMessage("org.x.Ping", Request)
	msg2.SetRecipient(silentPeer.AgentID())
	reply2, err := gw.Request(msg2, 2*time.Second)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if reply2 == nil {
		t.Fatal("second request timed out")
	}
}

func TestServerInitiatedContainsAgentQuery(t *testing.T) {
	m, err := mockmaster.Start()
	if err != nil {
		t.Fatalf("mockmaster.Start: %v", err)
	}
	defer m.Close()

	gw := dialTestGateway(t, m)

	seq := 0
	ask := func(agentID string) bool {
		seq++
		id := "q" + string(rune('0'+seq))
		raw, _ := json.Marshal(map[string]string{"agentID": agentID})
		f := &wire.Frame{Action: "containsAgent", ID: id, Params: raw}
		if err := m.PushRequest(gw.AgentID().Name(), f); err != nil {
			t.Fatalf("PushRequest: %v", err)
		}
		resp, ok := m.WaitForResponse(id, 2*time.Second)
		if !ok {
			t.Fatalf("no response to containsAgent query %s", id)
		}
		var result bool
		json.Unmarshal(resp.Params, &result)
		return result
	}

	if !ask(gw.AgentID().Name()) {
		t.Error("containsAgent(self) = false, want true")
	}
	if ask("someone-else") {
		t.Error("containsAgent(someone-else) = true, want false")
	}
}
