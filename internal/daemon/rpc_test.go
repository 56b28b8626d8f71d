package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selfID   = "12D3KooWGzxzKZYveHXtpG6AsrUJBcWxHBFS2HsEoGTxrMLvKXtf"
	remoteID = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
)

type fakeKubo struct {
	mu     sync.Mutex
	calls  map[string]int
	closes []url.Values
	last   map[string]url.Values
	ls     lsOutput
}

func newFakeKubo(t *testing.T) (*fakeKubo, *RPC) {
	t.Helper()

	f := &fakeKubo{calls: map[string]int{}, last: map[string]url.Values{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	rpc, err := NewRPC(RPCOptions{APIAddr: srv.URL, Logger: logger.Discard()})
	require.NoError(t, err)
	return f, rpc
}

func (f *fakeKubo) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cmd]
}

func (f *fakeKubo) args(cmd string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[cmd]["arg"]
}

func (f *fakeKubo) closeCalls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.closes...)
}

func (f *fakeKubo) setTunnels(entries ...lsEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ls = lsOutput{Listeners: entries}
}

func (f *fakeKubo) serve(w http.ResponseWriter, r *http.Request) {
	cmd := strings.TrimPrefix(r.URL.Path, "/api/v0/")
	q := r.URL.Query()

	f.mu.Lock()
	f.calls[cmd]++
	f.last[cmd] = q
	if cmd == "p2p/close" {
		f.closes = append(f.closes, q)
	}
	ls := f.ls
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	switch cmd {
	case "id":
		_ = enc.Encode(idOutput{ID: selfID, Addresses: []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + selfID}})
	case "p2p/listen":
		if q["arg"][0] == "/x/taken" {
			w.WriteHeader(http.StatusInternalServerError)
			_ = enc.Encode(shell.Error{Message: "listener already registered", Code: 0})
			return
		}
	case "p2p/forward", "p2p/close":
	case "swarm/connect":
		_ = enc.Encode(map[string][]string{"Strings": {"connect " + remoteID + " success"}})
	case "p2p/ls":
		_ = enc.Encode(ls)
	case "swarm/peers":
		_, _ = w.Write([]byte(`{"Peers":[{"Addr":"/ip4/10.0.0.2/tcp/4001","Peer":"` + remoteID + `"}]}`))
	case "routing/findpeer":
		if q["arg"][0] != remoteID {
			_, _ = w.Write([]byte(`{"Type":7,"Responses":null}` + "\n"))
			return
		}
		_, _ = w.Write([]byte(`{"Type":0,"Responses":null}` + "\n"))
		_, _ = w.Write([]byte(`{"Type":2,"Responses":[{"ID":"` + remoteID + `","Addrs":["/ip4/10.0.0.2/tcp/4001"]}]}` + "\n"))
	case "ping":
		_, _ = w.Write([]byte(`{"Success":true,"Time":0,"Text":"PING ` + remoteID + `."}` + "\n"))
		_, _ = w.Write([]byte(`{"Success":true,"Time":1200000,"Text":""}` + "\n"))
		_, _ = w.Write([]byte(`{"Success":false,"Time":0,"Text":"ping: timeout"}` + "\n"))
		_, _ = w.Write([]byte(`{"Success":true,"Time":0,"Text":"Average latency: 1.20ms"}` + "\n"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestRPCPeerIDIsCached(t *testing.T) {
	f, rpc := newFakeKubo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := rpc.PeerID(ctx)
		require.NoError(t, err)
		assert.Equal(t, selfID, id)
	}
	assert.Equal(t, 1, f.count("id"))

	addrs, err := rpc.Addresses(ctx)
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestRPCOpenTunnelsArguments(t *testing.T) {
	f, rpc := newFakeKubo(t)
	ctx := context.Background()

	require.NoError(t, rpc.OpenListener(ctx, "/x/chat", 41000))
	assert.Equal(t, []string{"/x/chat", "/ip4/127.0.0.1/tcp/41000"}, f.args("p2p/listen"))

	require.NoError(t, rpc.OpenSender(ctx, "/x/chat", 20001, remoteID))
	assert.Equal(t, []string{"/x/chat", "/ip4/127.0.0.1/tcp/20001", "/p2p/" + remoteID}, f.args("p2p/forward"))
}

func TestRPCErrorCarriesDaemonMessage(t *testing.T) {
	_, rpc := newFakeKubo(t)

	err := rpc.OpenListener(context.Background(), "/x/taken", 41000)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIPFS)
	assert.Contains(t, err.Error(), "listener already registered")
}

func TestRPCListAndScopedClose(t *testing.T) {
	f, rpc := newFakeKubo(t)
	ctx := context.Background()

	f.setTunnels(
		lsEntry{Protocol: "/x/chat", ListenAddress: "/p2p/" + selfID, TargetAddress: "/ip4/127.0.0.1/tcp/41000"},
		lsEntry{Protocol: "/x/chat", ListenAddress: "/ip4/127.0.0.1/tcp/20001", TargetAddress: "/p2p/" + remoteID},
		lsEntry{Protocol: "/x/other", ListenAddress: "/ip4/127.0.0.1/tcp/20002", TargetAddress: "/p2p/" + remoteID},
		lsEntry{Protocol: "/x/broken", ListenAddress: "garbage", TargetAddress: "garbage"},
	)

	listeners, senders, err := rpc.ListTunnels(ctx)
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	require.Len(t, senders, 2)
	assert.Equal(t, Tunnel{Kind: KindListener, Name: "/x/chat", Port: 41000}, listeners[0])
	assert.Equal(t, Tunnel{Kind: KindSender, Name: "/x/chat", Port: 20001, Peer: remoteID}, senders[0])

	require.NoError(t, rpc.CloseListener(ctx, Filter{Name: "/x/chat"}))
	closes := f.closeCalls()
	require.Len(t, closes, 1)
	assert.Equal(t, "/p2p/"+selfID, closes[0].Get("listen-address"))

	require.NoError(t, rpc.CloseSender(ctx, Filter{Peer: remoteID, Port: 20002}))
	closes = f.closeCalls()
	require.Len(t, closes, 2)
	assert.Equal(t, "/x/other", closes[1].Get("protocol"))

	require.NoError(t, rpc.CloseSender(ctx, Filter{Name: "/x/missing"}))
	assert.Len(t, f.closeCalls(), 2)
}

func TestRPCPeerOperations(t *testing.T) {
	_, rpc := newFakeKubo(t)
	ctx := context.Background()

	addrs, err := rpc.FindPeer(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001"}, addrs)

	_, err = rpc.FindPeer(ctx, "QmNobody")
	assert.ErrorIs(t, err, errs.ErrIPFS)

	ok, err := rpc.IsPeerConnected(ctx, remoteID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rpc.IsPeerConnected(ctx, "QmNobody")
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := rpc.Ping(ctx, remoteID, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, results)

	require.NoError(t, rpc.Connect(ctx, "/ip4/10.0.0.2/tcp/4001/p2p/"+remoteID))
	assert.ErrorIs(t, rpc.Connect(ctx, "not-a-multiaddr"), errs.ErrIPFS)
}

func TestAPIBaseURL(t *testing.T) {
	base, err := apiBaseURL("/ip4/127.0.0.1/tcp/5001")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5001", base)

	base, err = apiBaseURL("http://172.17.0.1:5001/")
	require.NoError(t, err)
	assert.Equal(t, "http://172.17.0.1:5001", base)

	_, err = apiBaseURL("nonsense")
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	tun := Tunnel{Kind: KindSender, Name: "/x/a", Port: 20001, Peer: remoteID}

	assert.True(t, Filter{}.Match(tun))
	assert.True(t, Filter{Name: "/x/a", Peer: remoteID}.Match(tun))
	assert.False(t, Filter{Name: "/x/a", Port: 20002}.Match(tun))
	assert.True(t, Filter{}.Empty())
	assert.False(t, Filter{Port: 1}.Empty())
}
