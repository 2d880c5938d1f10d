package sshpool

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startTestSSHServer starts a minimal SSH server on an ephemeral port
// that accepts any password and, for every shell request, echoes
// input back until the channel closes. It is modeled on
// lib/utils/chconn_test.go's startSSHServer helper.
func startTestSSHServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConn(nConn, config)
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

func handleTestConn(nConn net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				switch req.Type {
				case "shell", "pty-req", "exec", "window-change":
					req.Reply(true, nil)
				default:
					req.Reply(false, nil)
				}
			}
		}()
		go echoLoop(ch)
	}
}

func echoLoop(ch ssh.Channel) {
	defer ch.Close()
	scanner := bufio.NewScanner(ch)
	for scanner.Scan() {
		ch.Write(append(scanner.Bytes(), '\n'))
	}
}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}

func TestPoolAcquireReusesTransport(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostPort(addr)

	pool, err := NewPool(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	key := Key{Host: host, Port: port, User: "operator"}
	auth := []ssh.AuthMethod{ssh.Password("anything")}
	hostKeyCB := ssh.InsecureIgnoreHostKey()

	ctx := context.Background()
	h1, err := pool.Acquire(ctx, key, auth, hostKeyCB)
	require.NoError(t, err)
	require.Equal(t, Stats{Transports: 1, Cap: 10}, pool.Stats())

	h2, err := pool.Acquire(ctx, key, auth, hostKeyCB)
	require.NoError(t, err)
	require.Same(t, h1.client, h2.client)

	pool.Release(h1)
	pool.Release(h2)
}

func TestPoolSaturatedReturnsLimitExceeded(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostPort(addr)

	pool, err := NewPool(Config{Cap: 1, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	auth := []ssh.AuthMethod{ssh.Password("anything")}
	hostKeyCB := ssh.InsecureIgnoreHostKey()
	ctx := context.Background()

	_, err = pool.Acquire(ctx, Key{Host: host, Port: port, User: "u1"}, auth, hostKeyCB)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx, Key{Host: host, Port: port, User: "u2"}, auth, hostKeyCB)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestPoolForceCloseRemovesEntry(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostPort(addr)

	pool, err := NewPool(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	key := Key{Host: host, Port: port, User: "operator"}
	auth := []ssh.AuthMethod{ssh.Password("anything")}
	ctx := context.Background()

	_, err = pool.Acquire(ctx, key, auth, ssh.InsecureIgnoreHostKey())
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Transports)

	pool.ForceClose(key)
	require.Equal(t, 0, pool.Stats().Transports)
}

func TestPoolProbeDoesNotRegisterEntry(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostPort(addr)

	pool, err := NewPool(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	key := Key{Host: host, Port: port, User: "operator"}
	auth := []ssh.AuthMethod{ssh.Password("anything")}

	err = pool.Probe(context.Background(), key, auth, ssh.InsecureIgnoreHostKey())
	require.NoError(t, err)
	require.Equal(t, 0, pool.Stats().Transports)
}

func TestPoolOpenChannelEchoesInput(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostPort(addr)

	pool, err := NewPool(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	key := Key{Host: host, Port: port, User: "operator"}
	auth := []ssh.AuthMethod{ssh.Password("anything")}
	ctx := context.Background()

	h, err := pool.Acquire(ctx, key, auth, ssh.InsecureIgnoreHostKey())
	require.NoError(t, err)

	shellCh, err := pool.OpenChannel(h, 80, 24)
	require.NoError(t, err)
	defer shellCh.Close()

	_, err = shellCh.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := readWithTimeout(shellCh, buf, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf[:n]))
}

func readWithTimeout(r interface{ Read([]byte) (int, error) }, buf []byte, d time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	resultC := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		resultC <- result{n, err}
	}()
	select {
	case res := <-resultC:
		return res.n, res.err
	case <-time.After(d):
		return 0, context.DeadlineExceeded
	}
}
