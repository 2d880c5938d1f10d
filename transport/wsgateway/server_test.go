package wsgateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/opsconsole/remoteshell/internal/gateway"
	"github.com/opsconsole/remoteshell/internal/policy"
	"github.com/opsconsole/remoteshell/internal/registry"
	"github.com/opsconsole/remoteshell/internal/sshpool"
)

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
			go func() {
				conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
				if err != nil {
					return
				}
				defer conn.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					ch, requests, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func() {
						for req := range requests {
							req.Reply(true, nil)
						}
					}()
					go func(ch ssh.Channel) {
						defer ch.Close()
						scanner := bufio.NewScanner(ch)
						for scanner.Scan() {
							ch.Write(append(scanner.Bytes(), '\n'))
						}
					}(ch)
				}
			}()
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

type staticHosts struct{ host *gateway.Host }

func (s staticHosts) Resolve(ctx context.Context, hostID, tenantID string) (*gateway.Host, error) {
	return s.host, nil
}

type staticSecrets struct{}

func (staticSecrets) DecryptSecret(ctx context.Context, encrypted []byte) ([]byte, error) {
	return encrypted, nil
}

func allowAllPolicy(t *testing.T) *policy.Evaluator {
	ev, err := policy.NewEvaluator(policy.EvaluatorConfig{
		Resolve: func(ctx context.Context, hostID, tenantID string) (*policy.RuleSet, *policy.RuleSet, error) {
			return nil, nil, nil
		},
	})
	require.NoError(t, err)
	return ev
}

func TestServerOpenInputAndCloseRoundTrip(t *testing.T) {
	sshAddr, stopSSH := startTestSSHServer(t)
	defer stopSSH()
	sshHost, sshPortStr, err := net.SplitHostPort(sshAddr)
	require.NoError(t, err)
	sshPort, err := strconv.Atoi(sshPortStr)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	pool, err := sshpool.NewPool(sshpool.Config{Clock: clock})
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{Clock: clock, ReaperInterval: time.Hour})
	require.NoError(t, err)

	host := &gateway.Host{
		ID:              "h1",
		TenantID:        "t1",
		Hostname:        sshHost,
		Port:            sshPort,
		Username:        "operator",
		AuthKind:        gateway.AuthPassword,
		EncryptedSecret: []byte("anything"),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	facade, err := gateway.New(gateway.Config{
		Pool:     pool,
		Registry: reg,
		Policy:   allowAllPolicy(t),
		Hosts:    staticHosts{host: host},
		Secrets:  staticSecrets{},
		Clock:    clock,
	})
	require.NoError(t, err)

	srv, err := New(Config{Facade: facade, Registry: reg})
	require.NoError(t, err)

	router := httprouter.New()
	srv.RegisterRoutes(router)
	httpSrv := httptest.NewServer(router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/sessions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindOpen, HostID: "h1", Cols: 80, Rows: 24}))

	var opened Envelope
	require.NoError(t, conn.ReadJSON(&opened))
	require.Equal(t, KindOpened, opened.Kind)
	require.NotEmpty(t, opened.SessionID)

	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindInput, Data: []byte("hello\n")}))

	var output Envelope
	require.NoError(t, conn.ReadJSON(&output))
	require.Equal(t, KindOutput, output.Kind)
	require.Equal(t, "hello\n", string(output.Data))

	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindClose}))

	sess, ok := reg.Lookup(opened.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return sess.State() == registry.StateTerminated
	}, time.Second, 10*time.Millisecond)
}
