/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ingestgate/config"
	"github.com/acronis/go-ingestgate/log/logtest"
)

func TestCIDRFilter_Accept(t *testing.T) {
	tcpAddr := func(ip string) net.Addr { return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345} }

	tests := []struct {
		name  string
		allow []string
		deny  []string
		addr  net.Addr
		want  bool
	}{
		{name: "empty lists", addr: tcpAddr("192.168.1.1"), want: true},
		{name: "allowed by cidr", allow: []string{"10.0.0.0/8"}, addr: tcpAddr("10.1.2.3"), want: true},
		{name: "not in allow list", allow: []string{"10.0.0.0/8"}, addr: tcpAddr("192.168.1.1"), want: false},
		{name: "allowed by single ip", allow: []string{"127.0.0.1"}, addr: tcpAddr("127.0.0.1"), want: true},
		{name: "denied", deny: []string{"192.168.0.0/16"}, addr: tcpAddr("192.168.1.1"), want: false},
		{name: "deny has priority", allow: []string{"10.0.0.0/8"}, deny: []string{"10.0.0.1"}, addr: tcpAddr("10.0.0.1"), want: false},
		{name: "ipv6", allow: []string{"::1"}, addr: tcpAddr("::1"), want: true},
		{name: "udp addr", deny: []string{"10.0.0.0/8"}, addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1")}, want: false},
		{name: "unix socket, empty allow list", deny: []string{"10.0.0.0/8"}, addr: &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, want: true},
		{name: "unix socket, not empty allow list", allow: []string{"10.0.0.0/8"}, addr: &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewCIDRFilter(tt.allow, tt.deny)
			require.NoError(t, err)
			require.Equal(t, tt.want, f.Accept(tt.addr))
		})
	}
}

func TestNewCIDRFilter_Errors(t *testing.T) {
	_, err := NewCIDRFilter([]string{"10.0.0.0/33"}, nil)
	require.ErrorContains(t, err, "allow list")

	_, err = NewCIDRFilter(nil, []string{"not-an-ip"})
	require.ErrorContains(t, err, "deny list")
}

func TestFilteringListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var allowed atomic.Bool
	filter := AddressFilterFunc(func(addr net.Addr) bool { return allowed.Load() })
	logRecorder := logtest.NewRecorder()
	fln := NewFilteringListener(ln, filter, logRecorder)
	defer func() { require.NoError(t, fln.Close()) }()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := fln.Accept()
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	// Rejected connection is closed by the listener.
	rejectedConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, rejectedConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = rejectedConn.Read(make([]byte, 1))
	require.Error(t, err)
	require.NoError(t, rejectedConn.Close())
	require.Equal(t, uint64(1), fln.Rejected())
	_, found := logRecorder.FindEntry("connection is rejected by address filter")
	require.True(t, found)

	allowed.Store(true)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	select {
	case serverConn := <-accepted:
		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(serverConn, buf)
		require.NoError(t, err)
		require.Equal(t, "ping", string(buf))
		require.NoError(t, serverConn.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("connection is not accepted")
	}
	require.Equal(t, uint64(1), fln.Rejected())
}

type sliceListener struct {
	net.Listener
	conns []net.Conn
}

var errListenerExhausted = errors.New("no more connections")

func (l *sliceListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, errListenerExhausted
	}
	conn := l.conns[0]
	l.conns = l.conns[1:]
	return conn, nil
}

func TestFilteringListener_RejectLogIsThrottled(t *testing.T) {
	const connsNum = 10
	newListener := func() *sliceListener {
		ln := &sliceListener{}
		for i := 0; i < connsNum; i++ {
			serverConn, clientConn := net.Pipe()
			require.NoError(t, clientConn.Close())
			ln.conns = append(ln.conns, serverConn)
		}
		return ln
	}
	denyAll := AddressFilterFunc(func(net.Addr) bool { return false })
	countRejectionLogs := func(logRecorder *logtest.Recorder) int {
		return len(logRecorder.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
			return entry.Text == "connection is rejected by address filter"
		}))
	}

	logRecorder := logtest.NewRecorder()
	fln := NewFilteringListenerWithOpts(newListener(), denyAll, logRecorder, FilteringListenerOpts{RejectLogInterval: time.Hour})
	_, err := fln.Accept()
	require.ErrorIs(t, err, errListenerExhausted)
	require.Equal(t, uint64(connsNum), fln.Rejected())
	require.Equal(t, 1, countRejectionLogs(logRecorder))

	logRecorder = logtest.NewRecorder()
	fln = NewFilteringListenerWithOpts(newListener(), denyAll, logRecorder, FilteringListenerOpts{RejectLogInterval: -1})
	_, err = fln.Accept()
	require.ErrorIs(t, err, errListenerExhausted)
	require.Equal(t, connsNum, countRejectionLogs(logRecorder))
}

func TestAddressFilterConfig(t *testing.T) {
	cfg := NewAddressFilterConfig()
	cfgData := `
addressFilter:
  allow: ["10.0.0.0/8", "127.0.0.1"]
  deny: ["10.0.0.13"]
`
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.Allow)
	require.Equal(t, []string{"10.0.0.13"}, cfg.Deny)
	require.True(t, cfg.Enabled())

	f, err := cfg.NewFilter()
	require.NoError(t, err)
	require.False(t, f.Accept(&net.TCPAddr{IP: net.ParseIP("10.0.0.13")}))
	require.True(t, f.Accept(&net.TCPAddr{IP: net.ParseIP("10.0.0.14")}))

	cfg = NewAddressFilterConfig()
	err = config.NewLoader(config.NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString("addressFilter:\n  deny: [\"300.0.0.1\"]\n"), config.DataTypeYAML, cfg)
	require.ErrorContains(t, err, "addressFilter.deny")

	cfg = NewAddressFilterConfig()
	err = config.NewLoader(config.NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString("addressFilter: {}\n"), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.False(t, cfg.Enabled())
}
