package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfgStore, err := config.NewStore(filepath.Join(t.TempDir(), "config.json"), logger)
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	g, err := New(Options{
		ConfigStore: cfgStore,
		State:       state.NewMemory(),
		Blobs:       blobs,
		Logger:      logger,
		Now:         time.Now,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return g
}

var reqSeq int

func send(t *testing.T, g *Gateway, p *Peer, method string, params interface{}) string {
	t.Helper()
	reqSeq++
	id := fmt.Sprintf("r%d", reqSeq)
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	g.dispatch(context.Background(), p, &protocol.Frame{
		Type: protocol.TypeReq, ID: id, Method: method, Params: raw,
	})
	return id
}

// readRes pops frames off the peer's send queue until a res arrives,
// skipping broadcast events.
func readRes(t *testing.T, p *Peer) *protocol.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		select {
		case data := <-p.send:
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if f.Type == protocol.TypeRes {
				return &f
			}
		default:
			t.Fatal("no res frame queued")
		}
	}
	t.Fatal("too many frames without a res")
	return nil
}

// readEvent pops frames until the named event arrives.
func readEvent(t *testing.T, p *Peer, event string) *protocol.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		select {
		case data := <-p.send:
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if f.Type == protocol.TypeEvt && f.Event == event {
				return &f
			}
		default:
			t.Fatalf("event %s not queued", event)
		}
	}
	t.Fatalf("event %s not queued", event)
	return nil
}

func drain(p *Peer) {
	for {
		select {
		case <-p.send:
		default:
			return
		}
	}
}

func connectClient(t *testing.T, g *Gateway, id string) *Peer {
	t.Helper()
	p := NewPeer(g, nil)
	send(t, g, p, protocol.MethodConnect, protocol.ConnectParams{
		Client: protocol.PeerInfo{Mode: protocol.ModeClient, ID: id},
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	drain(p)
	return p
}

func connectNode(t *testing.T, g *Gateway, id string, tools ...string) *Peer {
	t.Helper()
	p := NewPeer(g, nil)
	defs := make([]protocol.ToolDefinition, 0, len(tools))
	for _, name := range tools {
		defs = append(defs, protocol.ToolDefinition{Name: name})
	}
	send(t, g, p, protocol.MethodConnect, protocol.ConnectParams{
		Client: protocol.PeerInfo{Mode: protocol.ModeNode, ID: id},
		NodeRuntime: &protocol.NodeRuntime{
			HostRole:         protocol.HostRoleExecution,
			HostCapabilities: []string{protocol.CapShellExec},
		},
		Tools: defs,
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("node connect failed: %+v", res.Error)
	}
	drain(p)
	return p
}

func TestConnectGateBlocksMethods(t *testing.T) {
	g := newTestGateway(t)
	p := NewPeer(g, nil)
	send(t, g, p, protocol.MethodSessionsList, nil)
	res := readRes(t, p)
	if res.OK == nil || *res.OK {
		t.Fatal("expected failure before connect")
	}
	if res.Error.Code != protocol.CodeNotConnected {
		t.Fatalf("code = %d, want %d", res.Error.Code, protocol.CodeNotConnected)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	g := newTestGateway(t)
	if err := g.cfgStore.Set("auth.token", "secret"); err != nil {
		t.Fatal(err)
	}
	p := NewPeer(g, nil)
	send(t, g, p, protocol.MethodConnect, protocol.ConnectParams{
		Token:  "wrong",
		Client: protocol.PeerInfo{Mode: protocol.ModeClient, ID: "c1"},
	})
	res := readRes(t, p)
	if res.OK == nil || *res.OK {
		t.Fatal("expected rejection")
	}
	if res.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("code = %d, want 401", res.Error.Code)
	}
}

func TestConnectNodeRequiresRuntime(t *testing.T) {
	g := newTestGateway(t)
	p := NewPeer(g, nil)
	send(t, g, p, protocol.MethodConnect, protocol.ConnectParams{
		Client: protocol.PeerInfo{Mode: protocol.ModeNode, ID: "n1"},
	})
	res := readRes(t, p)
	if res.OK == nil || *res.OK {
		t.Fatal("expected rejection")
	}
	if res.Error.Message != "Invalid nodeRuntime" {
		t.Fatalf("message = %q", res.Error.Message)
	}
}

func TestUnknownMethod(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")
	send(t, g, p, "no.such.method", nil)
	res := readRes(t, p)
	if res.OK == nil || *res.OK || res.Error.Code != protocol.CodeNotFound {
		t.Fatalf("expected 404, got %+v", res.Error)
	}
}

func TestNodeToolsAreNamespaced(t *testing.T) {
	g := newTestGateway(t)
	connectNode(t, g, "host1", "ls", "exec")

	names := map[string]bool{}
	for _, d := range g.tools.Snapshot() {
		names[d.Name] = true
	}
	if !names["host1__ls"] || !names["host1__exec"] {
		t.Fatalf("namespaced tools missing: %v", names)
	}
	if !names["message"] {
		t.Fatal("native message tool missing")
	}
	if names["ls"] {
		t.Fatal("bare node tool leaked into snapshot")
	}
}

func TestClientToolRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	client := connectClient(t, g, "c1")
	node := connectNode(t, g, "host1", "read_file")
	drain(client)

	reqID := send(t, g, client, protocol.MethodToolInvoke, toolInvokeParams{
		Tool: "host1__read_file",
		Args: json.RawMessage(`{"path":"a.txt"}`),
	})

	inv := readEvent(t, node, protocol.EventToolInvoke)
	var ev protocol.ToolInvokeEvent
	if err := json.Unmarshal(inv.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Tool != "read_file" {
		t.Fatalf("tool = %q, want bare name", ev.Tool)
	}
	if ev.CallID != "call-"+reqID {
		t.Fatalf("callId = %q", ev.CallID)
	}

	send(t, g, node, protocol.MethodToolResult, toolResultParams{
		CallID: ev.CallID,
		Result: json.RawMessage(`"contents"`),
	})
	nodeRes := readRes(t, node)
	if nodeRes.OK == nil || !*nodeRes.OK {
		t.Fatalf("node result rejected: %+v", nodeRes.Error)
	}

	clientRes := readRes(t, client)
	if clientRes.ID != reqID {
		t.Fatalf("res id = %q, want %q", clientRes.ID, reqID)
	}
	var payload string
	if err := json.Unmarshal(clientRes.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload != "contents" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestToolResultAfterClientGone(t *testing.T) {
	g := newTestGateway(t)
	client := connectClient(t, g, "c1")
	node := connectNode(t, g, "host1", "read_file")
	drain(client)

	reqID := send(t, g, client, protocol.MethodToolInvoke, toolInvokeParams{Tool: "host1__read_file"})
	g.tools.ClientDisconnected(client.Key())

	send(t, g, node, protocol.MethodToolResult, toolResultParams{
		CallID: "call-" + reqID,
		Result: json.RawMessage(`"late"`),
	})
	res := readRes(t, node)
	if res.OK == nil || *res.OK {
		t.Fatal("expected failure for dropped client")
	}
	if res.Error.Code != protocol.CodeUnavailable {
		t.Fatalf("code = %d, want 503", res.Error.Code)
	}
}

func TestToolResultUnknownCallIgnored(t *testing.T) {
	g := newTestGateway(t)
	node := connectNode(t, g, "host1", "read_file")
	send(t, g, node, protocol.MethodToolResult, toolResultParams{
		CallID: "call-never-issued",
		Result: json.RawMessage(`"x"`),
	})
	res := readRes(t, node)
	if res.OK == nil || !*res.OK {
		t.Fatalf("unknown call should ack, got %+v", res.Error)
	}
}

func TestCronAddUpdateRemove(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")
	ctx := context.Background()

	send(t, g, p, protocol.MethodCronAdd, map[string]interface{}{
		"name":     "tick",
		"schedule": map[string]interface{}{"kind": "every", "everyMs": 60000},
		"spec":     map[string]interface{}{"mode": "systemEvent", "text": "check things"},
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("add failed: %+v", res.Error)
	}
	var added struct {
		Job struct {
			ID    string `json:"id"`
			State struct {
				NextRunAtMs int64 `json:"nextRunAtMs"`
			} `json:"state"`
		} `json:"job"`
	}
	if err := json.Unmarshal(res.Payload, &added); err != nil {
		t.Fatal(err)
	}
	if added.Job.State.NextRunAtMs == 0 {
		t.Fatal("new job not scheduled")
	}

	send(t, g, p, protocol.MethodCronUpdate, map[string]interface{}{
		"id":      added.Job.ID,
		"enabled": false,
	})
	res = readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("update failed: %+v", res.Error)
	}
	job, _, err := g.jobs.Get(ctx, added.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Enabled || job.State.NextRunAtMs != 0 {
		t.Fatalf("disabled job still scheduled: %+v", job.State)
	}

	send(t, g, p, protocol.MethodCronRemove, map[string]interface{}{"id": added.Job.ID})
	res = readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("remove failed: %+v", res.Error)
	}
	if _, ok, _ := g.jobs.Get(ctx, added.Job.ID); ok {
		t.Fatal("job survived removal")
	}
}

func TestCronAddPastOneShotRunsOnce(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")

	send(t, g, p, protocol.MethodCronAdd, map[string]interface{}{
		"schedule": map[string]interface{}{"kind": "at", "atMs": 1000},
		"spec":     map[string]interface{}{"mode": "systemEvent", "text": "late wakeup"},
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("add failed: %+v", res.Error)
	}
	var added struct {
		Job struct {
			State struct {
				NextRunAtMs int64 `json:"nextRunAtMs"`
			} `json:"state"`
		} `json:"job"`
	}
	if err := json.Unmarshal(res.Payload, &added); err != nil {
		t.Fatal(err)
	}
	if added.Job.State.NextRunAtMs == 0 {
		t.Fatal("past one-shot must still be due once")
	}
}

func TestCronRemoveUnknown(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")
	send(t, g, p, protocol.MethodCronRemove, map[string]interface{}{"id": "nope"})
	res := readRes(t, p)
	if res.OK == nil || *res.OK || res.Error.Code != protocol.CodeNotFound {
		t.Fatalf("expected 404, got %+v", res.Error)
	}
}

func TestProbeReplayKeepsProbeID(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	key := probeKey("host1", []string{"ffmpeg"})
	if err := g.probes.Put(ctx, key, pendingProbe{
		ProbeID:   "probe-1",
		NodeID:    "host1",
		Bins:      []string{"ffmpeg"},
		CreatedAt: g.now().UnixMilli(),
		ExpiresAt: g.now().Add(probeTimeout).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	node := NewPeer(g, nil)
	send(t, g, node, protocol.MethodConnect, protocol.ConnectParams{
		Client:      protocol.PeerInfo{Mode: protocol.ModeNode, ID: "host1"},
		NodeRuntime: &protocol.NodeRuntime{HostRole: protocol.HostRoleExecution},
	})

	ev := readEvent(t, node, protocol.EventNodeProbe)
	var probe protocol.NodeProbeEvent
	if err := json.Unmarshal(ev.Payload, &probe); err != nil {
		t.Fatal(err)
	}
	if probe.ProbeID != "probe-1" {
		t.Fatalf("probeId = %q, want probe-1", probe.ProbeID)
	}

	// A reconnect replays the same probe id.
	drain(node)
	g.requeueProbes("host1")
	g.dispatchProbes(ctx, "host1")
	ev = readEvent(t, node, protocol.EventNodeProbe)
	if err := json.Unmarshal(ev.Payload, &probe); err != nil {
		t.Fatal(err)
	}
	if probe.ProbeID != "probe-1" {
		t.Fatalf("replayed probeId = %q, want probe-1", probe.ProbeID)
	}

	send(t, g, node, protocol.MethodNodeProbeResult, probeResultParams{
		ProbeID: "probe-1",
		OK:      true,
		Bins:    map[string]bool{"ffmpeg": true},
	})
	res := readRes(t, node)
	if res.OK == nil || !*res.OK {
		t.Fatalf("probe result rejected: %+v", res.Error)
	}
	if !g.nodes.BinUnion()["ffmpeg"] {
		t.Fatal("bin status not recorded")
	}
	if _, ok, _ := g.probes.Get(ctx, key); ok {
		t.Fatal("resolved probe not deleted")
	}
}

func TestExecEventQueuedOnce(t *testing.T) {
	g := newTestGateway(t)
	// Keep the alarm quiet so the delivery queue can be inspected.
	close(g.closed)
	ctx := context.Background()
	node := connectNode(t, g, "host1", "exec")

	g.registerExecSession(ctx, "call-9", "agent:main:main")

	exit := 0
	ev := execEventParams{
		SessionID: "call-9",
		Event:     "finished",
		ExitCode:  &exit,
		StartedAt: 100,
		EndedAt:   200,
	}
	send(t, g, node, protocol.MethodNodeExecEvent, ev)
	res := readRes(t, node)
	if res.OK == nil || !*res.OK {
		t.Fatalf("exec event rejected: %+v", res.Error)
	}

	dels, err := g.deliveries.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dels) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(dels))
	}
	for _, d := range dels {
		if d.SessionKey != "agent:main:main" {
			t.Fatalf("delivery session = %q", d.SessionKey)
		}
	}
	if _, ok, _ := g.execs.Get(ctx, "call-9"); ok {
		t.Fatal("terminal event should drop the exec session")
	}

	// A replay of the same terminal event queues nothing new.
	send(t, g, node, protocol.MethodNodeExecEvent, ev)
	readRes(t, node)
	dels, _ = g.deliveries.All(ctx)
	if len(dels) != 1 {
		t.Fatalf("deliveries after replay = %d, want 1", len(dels))
	}
}

func TestExecEventIDStable(t *testing.T) {
	exit := 1
	ev := execEventParams{SessionID: "s1", Event: "failed", ExitCode: &exit, StartedAt: 5, EndedAt: 9}
	a := execEventID("host1", ev)
	b := execEventID("host1", ev)
	if a != b {
		t.Fatalf("event id not stable: %s vs %s", a, b)
	}
	if c := execEventID("host2", ev); c == a {
		t.Fatal("different node must yield a different event id")
	}
}

func TestHeartbeatStatusDefaultDisabled(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")
	send(t, g, p, protocol.MethodHeartbeatStatus, nil)
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("status failed: %+v", res.Error)
	}
	var payload struct {
		Agent   string `json:"agent"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Agent != "main" {
		t.Fatalf("agent = %q, want main", payload.Agent)
	}
	if payload.Enabled {
		t.Fatal("heartbeat should default off")
	}
}

func TestLogsGetWithoutExecHost(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")
	send(t, g, p, protocol.MethodLogsGet, logsGetParams{Lines: 50})
	res := readRes(t, p)
	if res.OK == nil || *res.OK || res.Error.Code != protocol.CodeUnavailable {
		t.Fatalf("expected 503, got %+v", res.Error)
	}
}

func TestLogsGetForwardsToExecHost(t *testing.T) {
	g := newTestGateway(t)
	client := connectClient(t, g, "c1")
	node := connectNode(t, g, "host1", "exec")
	drain(client)

	reqID := send(t, g, client, protocol.MethodLogsGet, logsGetParams{Lines: 10})

	// The node sees a forwarded req.
	var fwd protocol.Frame
	found := false
	for !found {
		select {
		case data := <-node.send:
			if err := json.Unmarshal(data, &fwd); err != nil {
				t.Fatal(err)
			}
			if fwd.Type == protocol.TypeReq && fwd.Method == protocol.MethodLogsGet {
				found = true
			}
		default:
			t.Fatal("no forwarded logs request")
		}
	}

	// The node answers with a res frame; the client's deferred res lands.
	ok := true
	g.dispatch(context.Background(), node, &protocol.Frame{
		Type:    protocol.TypeRes,
		ID:      fwd.ID,
		OK:      &ok,
		Payload: json.RawMessage(`{"lines":["a","b"]}`),
	})
	res := readRes(t, client)
	if res.ID != reqID {
		t.Fatalf("res id = %q, want %q", res.ID, reqID)
	}
	if res.OK == nil || !*res.OK {
		t.Fatalf("logs res failed: %+v", res.Error)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")

	send(t, g, p, protocol.MethodConfigSet, configSetParams{
		Path: "gateway.maxMessageChars", Value: 12345,
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("set failed: %+v", res.Error)
	}

	send(t, g, p, protocol.MethodConfigGet, configGetParams{Path: "gateway.maxMessageChars"})
	res = readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("get failed: %+v", res.Error)
	}
	var payload struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Value != 12345 {
		t.Fatalf("value = %v, want 12345", payload.Value)
	}
	if g.Config().Gateway.MaxMessageChars != 12345 {
		t.Fatal("effective config not updated")
	}
}

func TestConfigGetMasksSecrets(t *testing.T) {
	g := newTestGateway(t)
	p := connectClient(t, g, "c1")

	send(t, g, p, protocol.MethodConfigSet, configSetParams{
		Path: "apiKeys.anthropic", Value: "sk-secret",
	})
	readRes(t, p)

	send(t, g, p, protocol.MethodConfigGet, configGetParams{Path: "apiKeys.anthropic"})
	res := readRes(t, p)
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Value != config.MaskedValue {
		t.Fatalf("secret leaked: %q", payload.Value)
	}
}

func TestPeerSupersededOnReconnect(t *testing.T) {
	g := newTestGateway(t)
	first := connectClient(t, g, "c1")
	second := connectClient(t, g, "c1")

	cur, ok := g.peer(second.Key())
	if !ok || cur != second {
		t.Fatal("newest socket must own the key")
	}
	first.mu.Lock()
	superseded := first.superseded
	first.mu.Unlock()
	if !superseded {
		t.Fatal("replaced socket not marked superseded")
	}
}

func TestWireStatusMapping(t *testing.T) {
	cases := map[string]string{
		"held":       "pending_pairing",
		"dropped":    "blocked",
		"dispatched": "dispatched",
		"handled":    "handled",
	}
	for in, want := range cases {
		if got := wireStatus(in); got != want {
			t.Errorf("wireStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNextFireAtPicksEarliest(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	now := g.now().UnixMilli()

	g.deliveries.Put(ctx, "e1", execDelivery{
		EventID: "e1", SessionKey: "agent:main:main",
		NextAttemptAt: now + 5000, ExpiresAt: now + 100000,
	})
	g.probes.Put(ctx, "host1/jq", pendingProbe{
		ProbeID: "p1", NodeID: "host1", Bins: []string{"jq"},
		CreatedAt: now, ExpiresAt: now + 9000, Sent: true,
	})

	next := g.nextFireAt(ctx)
	if next != now+5000 {
		t.Fatalf("next = %d, want %d", next, now+5000)
	}
}

func TestChannelEventFeedsQueue(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	p := NewPeer(g, nil)
	send(t, g, p, protocol.MethodConnect, protocol.ConnectParams{
		Client: protocol.PeerInfo{
			Mode:      protocol.ModeChannel,
			ID:        "wa-1",
			ChannelID: "whatsapp",
			AccountID: "acct-1",
		},
	})
	res := readRes(t, p)
	if res.OK == nil || !*res.OK {
		t.Fatalf("channel connect failed: %+v", res.Error)
	}
	drain(p)

	payload, _ := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"messageId": "m1",
			"peer":      map[string]interface{}{"kind": "dm", "id": "u1"},
			"text":      "hi",
		},
	})
	g.dispatch(ctx, p, &protocol.Frame{
		Type:    protocol.TypeEvt,
		Event:   protocol.EventChannelInbound,
		Payload: payload,
	})

	select {
	case msg := <-g.consumer.queue:
		if msg.Type != queueInbound {
			t.Fatalf("type = %s", msg.Type)
		}
		if msg.ChannelID != "whatsapp" || msg.AccountID != "acct-1" {
			t.Fatalf("peer defaults not applied: %s/%s", msg.ChannelID, msg.AccountID)
		}
		if msg.Message == nil || msg.Message.MessageID != "m1" {
			t.Fatal("message payload lost")
		}
	default:
		t.Fatal("nothing queued")
	}

	status, _ := json.Marshal(protocol.ChannelAccountStatus{State: "degraded", Detail: "relogin"})
	g.dispatch(ctx, p, &protocol.Frame{
		Type:    protocol.TypeEvt,
		Event:   protocol.EventChannelStatus,
		Payload: status,
	})
	select {
	case msg := <-g.consumer.queue:
		if msg.Type != queueStatus || msg.Status == nil || msg.Status.State != "degraded" {
			t.Fatalf("status envelope wrong: %+v", msg)
		}
	default:
		t.Fatal("status not queued")
	}
}
