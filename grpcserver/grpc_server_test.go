/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/acronis/go-ingestgate/admission"
	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log/logtest"
	"github.com/acronis/go-ingestgate/netutil"
	"github.com/acronis/go-ingestgate/receiver"
	"github.com/acronis/go-ingestgate/testutil"
)

type GRPCServerTestSuite struct {
	suite.Suite
}

func TestGRPCServer(t *testing.T) {
	suite.Run(t, new(GRPCServerTestSuite))
}

func (s *GRPCServerTestSuite) TestNew_BasicServerCreation() {
	logger := logtest.NewRecorder()
	cfg := NewDefaultConfig()

	server, err := New(cfg, logger)
	s.Require().NoError(err)
	s.Require().NotNil(server)
	s.Require().Equal(cfg.Address, server.Address())
	s.Require().NotNil(server.GRPCServer)
	s.Require().Equal(logger, server.Logger)
}

func (s *GRPCServerTestSuite) TestNew_ServerWithTLS() {
	tmpDir := s.T().TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")
	s.Require().NoError(generateTestCertificate(certFile, keyFile))

	cfg := NewDefaultConfig()
	cfg.Address = "localhost:0"
	cfg.TLS.Enabled = true
	cfg.TLS.Certificate = certFile
	cfg.TLS.Key = keyFile

	server, err := New(cfg, logtest.NewRecorder(), WithServices(newEchoAgentBinder(s.T(), nil)))
	s.Require().NoError(err)
	stop := s.startServer(server)

	creds, err := buildGRPCTLSCredentials(certFile)
	s.Require().NoError(err)
	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(creds))
	s.Require().NoError(err)
	defer conn.Close()

	s.requireEcho(receiver.NewClient(conn), "tls-test")
	stop(true)
}

func (s *GRPCServerTestSuite) TestNew_ServerWithInvalidTLSCertificates() {
	cfg := NewDefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Certificate = "/nonexistent/cert.pem"
	cfg.TLS.Key = "/nonexistent/key.pem"

	server, err := New(cfg, logtest.NewRecorder())
	s.Require().Error(err)
	s.Require().Nil(server)
	s.Require().Contains(err.Error(), "load TLS certificates")
}

func (s *GRPCServerTestSuite) TestNew_ServerWithCustomInterceptors() {
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:0"

	var unaryCalls, streamCalls int
	var mu sync.Mutex
	customUnaryInterceptor := func(
		ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (interface{}, error) {
		mu.Lock()
		unaryCalls++
		mu.Unlock()
		return handler(ctx, req)
	}
	customStreamInterceptor := func(
		srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler,
	) error {
		mu.Lock()
		streamCalls++
		mu.Unlock()
		return handler(srv, stream)
	}

	spanBinder, err := receiver.NewBinder(receiver.SpanDefinition, receiver.DispatchHandlerFuncs{
		SendMessage: func(ctx context.Context, req *receiver.ServerRequest) error { return nil },
	})
	s.Require().NoError(err)

	server, err := New(cfg, logtest.NewRecorder(),
		WithUnaryInterceptors(customUnaryInterceptor),
		WithStreamInterceptors(customStreamInterceptor),
		WithServices(newEchoAgentBinder(s.T(), nil), spanBinder))
	s.Require().NoError(err)
	stop := s.startServer(server)
	defer stop(true)

	client := receiver.NewClient(s.dial(server.Address()))
	s.requireEcho(client, "unary")
	s.Require().NoError(client.SendSpans(context.Background(), []*structpb.Struct{{}, {}}))

	mu.Lock()
	defer mu.Unlock()
	s.Require().Equal(1, unaryCalls)
	s.Require().Equal(1, streamCalls)
}

func (s *GRPCServerTestSuite) TestNew_ServerWithMetrics() {
	server, err := New(NewDefaultConfig(), logtest.NewRecorder(), WithMetricsOptions(MetricsOptions{
		Namespace: "test",
	}))
	s.Require().NoError(err)
	s.Require().NotNil(server.grpcReqPrometheusMetrics)
}

func (s *GRPCServerTestSuite) TestUnixSocket() {
	unixSocketPath := filepath.Join(s.T().TempDir(), "s.sock")

	cfg := NewDefaultConfig()
	cfg.UnixSocketPath = unixSocketPath

	server, err := New(cfg, logtest.NewRecorder(), WithServices(newEchoAgentBinder(s.T(), nil)))
	s.Require().NoError(err)

	fatalErrorChan := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Start(fatalErrorChan)
	}()
	s.Require().NoError(testutil.WaitListeningServerWithUnixSocket(unixSocketPath, time.Second*3))

	conn, err := grpc.NewClient("unix:"+unixSocketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	s.Require().NoError(err)
	defer conn.Close()
	s.requireEcho(receiver.NewClient(conn), "unix-test")

	// Force stop.
	s.Require().NoError(server.Stop(false))
	wg.Wait()
	testutil.RequireNoErrorInChannel(s.T(), fatalErrorChan)
}

func (s *GRPCServerTestSuite) TestInvalidAddress() {
	cfg := NewDefaultConfig()
	cfg.Address = "invalid-address"

	server, err := New(cfg, logtest.NewRecorder())
	s.Require().NoError(err)

	fatalErrorChan := make(chan error, 1)
	go server.Start(fatalErrorChan)

	select {
	case err := <-fatalErrorChan:
		s.Require().Error(err)
	case <-time.After(time.Second):
		s.T().Fatal("expected fatal error but none received")
	}
}

func (s *GRPCServerTestSuite) TestMetricsRegistration() {
	server, err := New(NewDefaultConfig(), logtest.NewRecorder(), WithMetricsOptions(MetricsOptions{
		Namespace: "test",
	}))
	s.Require().NoError(err)
	s.Require().NotPanics(server.MustRegisterMetrics)
	server.UnregisterMetrics()
}

func (s *GRPCServerTestSuite) TestAddressFilter() {
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:0"

	denyLoopback, err := netutil.NewCIDRFilter(nil, []string{"127.0.0.0/8"})
	s.Require().NoError(err)

	logger := logtest.NewRecorder()
	server, err := New(cfg, logger,
		WithServices(newEchoAgentBinder(s.T(), nil)), WithAddressFilter(denyLoopback))
	s.Require().NoError(err)
	stop := s.startServer(server)
	defer stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = receiver.NewClient(s.dial(server.Address())).RequestAgentInfo(ctx, &structpb.Struct{})
	s.Require().Equal(codes.Unavailable, status.Code(err))

	_, found := logger.FindEntry("connection is rejected by address filter")
	s.Require().True(found)
}

func (s *GRPCServerTestSuite) TestStop_ClosesAdmissionGate() {
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:0"

	gate, err := admission.NewGate(admission.GateConfig{MaxConcurrent: 1, MaxQueue: 1, WaitTimeout: time.Minute})
	s.Require().NoError(err)

	release := make(chan struct{})
	binder := newEchoAgentBinder(s.T(), func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}, receiver.WithInterceptor(&receiver.Interceptor{
		Unary:  interceptor.AdmissionUnaryInterceptor(gate),
		Stream: interceptor.AdmissionStreamInterceptor(gate),
	}))

	server, err := New(cfg, logtest.NewRecorder(), WithServices(binder), WithShutdownHooks(gate.Close))
	s.Require().NoError(err)
	stop := s.startServer(server)

	client := receiver.NewClient(s.dial(server.Address()))
	callAsync := func(body string) <-chan error {
		done := make(chan error, 1)
		go func() {
			_, callErr := client.RequestAgentInfo(context.Background(), newEchoRequest(s.T(), body))
			done <- callErr
		}()
		return done
	}

	admittedCall := callAsync("admitted")
	s.Require().Eventually(func() bool { return gate.Stats().Admitted == 1 }, time.Second*3, time.Millisecond*10)
	queuedCall := callAsync("queued")
	s.Require().Eventually(func() bool { return gate.Stats().Queued == 1 }, time.Second*3, time.Millisecond*10)

	stopped := make(chan struct{})
	go func() {
		stop(true)
		close(stopped)
	}()

	select {
	case err = <-queuedCall:
		s.Require().Equal(codes.Unavailable, status.Code(err))
	case <-time.After(time.Second * 3):
		s.T().Fatal("queued call is not rejected on stop")
	}

	// Admitted call is drained.
	close(release)
	select {
	case err = <-admittedCall:
		s.Require().NoError(err)
	case <-time.After(time.Second * 3):
		s.T().Fatal("admitted call is not finished")
	}
	<-stopped

	_, err = gate.Acquire(context.Background())
	s.Require().ErrorIs(err, admission.ErrGateClosed)
}

func (s *GRPCServerTestSuite) TestIntegration_FullServerLifecycleWithClientConnection() {
	logger := logtest.NewRecorder()
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Limits.NumStreamWorkers = 2

	server, err := New(cfg, logger, WithServices(newEchoAgentBinder(s.T(), nil)))
	s.Require().NoError(err)
	stop := s.startServer(server)

	client := receiver.NewClient(s.dial(server.Address()))
	s.requireEcho(client, "test")
	s.Require().NoError(client.PingSession(context.Background()))

	stop(true)

	_, found := logger.FindEntryByFilter(func(entry logtest.RecordedEntry) bool {
		return entry.Text == "starting gRPC server..."
	})
	s.Require().True(found, "expected to find 'starting gRPC server...' log entry")
	_, found = logger.FindEntry("gRPC server gracefully stopped")
	s.Require().True(found)
}

func (s *GRPCServerTestSuite) TestLoggingCallMetadata() {
	logger := logtest.NewRecorder()
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:0"

	server, err := New(cfg, logger, WithServices(newEchoAgentBinder(s.T(), nil)),
		WithLoggingOptions(LoggingOptions{CallMetadataKeys: []string{receiver.MetadataKeyAgentID}}))
	s.Require().NoError(err)
	stop := s.startServer(server)
	defer stop(true)

	ctx := receiver.NewOutgoingContextWithAgentHeader(context.Background(), receiver.AgentHeader{AgentID: "agent-17"})
	_, err = receiver.NewClient(s.dial(server.Address())).RequestAgentInfo(ctx, newEchoRequest(s.T(), "ping"))
	s.Require().NoError(err)

	entry, found := logger.FindEntryByFilter(func(entry logtest.RecordedEntry) bool {
		return strings.HasPrefix(entry.Text, "gRPC call finished")
	})
	s.Require().True(found)
	field, found := entry.FindField(receiver.MetadataKeyAgentID)
	s.Require().True(found)
	s.Require().Equal("agent-17", string(field.Bytes))
}

// startServer starts the server and waits until it listens. The returned function stops it.
func (s *GRPCServerTestSuite) startServer(server *GRPCServer) (stop func(gracefully bool)) {
	fatalErrorChan := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Start(fatalErrorChan)
	}()

	s.Require().Eventually(func() bool {
		_, port, err := net.SplitHostPort(server.Address())
		return err == nil && port != "0"
	}, time.Second*3, time.Millisecond*10)
	s.Require().NoError(testutil.WaitListeningServer(server.Address(), time.Second*3))

	var once sync.Once
	return func(gracefully bool) {
		once.Do(func() {
			s.Require().NoError(server.Stop(gracefully))
			wg.Wait()
			testutil.RequireNoErrorInChannel(s.T(), fatalErrorChan)
		})
	}
}

func (s *GRPCServerTestSuite) dial(addr string) *grpc.ClientConn {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *GRPCServerTestSuite) requireEcho(client *receiver.Client, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	resp, err := client.RequestAgentInfo(ctx, newEchoRequest(s.T(), body))
	s.Require().NoError(err)
	s.Require().Equal(body, resp.GetFields()["body"].GetStringValue())
}

func newEchoRequest(t *testing.T, body string) *structpb.Struct {
	msg, err := structpb.NewStruct(map[string]interface{}{"body": body})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

// newEchoAgentBinder returns a binder of the agent service that echoes request messages back.
func newEchoAgentBinder(t *testing.T, onRequest func(ctx context.Context), opts ...receiver.BinderOption) *receiver.Binder {
	handler := receiver.DispatchHandlerFuncs{
		RequestMessage: func(ctx context.Context, req *receiver.ServerRequest, resp receiver.ServerResponse) error {
			if onRequest != nil {
				onRequest(ctx)
			}
			return resp.Write(req.Message)
		},
	}
	binder, err := receiver.NewBinder(receiver.AgentDefinition, handler, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return binder
}

// generateTestCertificate creates a temporary certificate for testing
func generateTestCertificate(certFilePath, privKeyPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Organization"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	// Write certificate
	certOut, err := os.Create(certFilePath)
	if err != nil {
		return fmt.Errorf("create %q for writing: %w", certFilePath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	// Write private key
	keyOut, err := os.Create(privKeyPath)
	if err != nil {
		return fmt.Errorf("create %q for writing: %w", privKeyPath, err)
	}
	defer keyOut.Close()

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

// buildGRPCTLSCredentials creates gRPC TLS credentials using the provided certificate file
func buildGRPCTLSCredentials(certPath string) (credentials.TransportCredentials, error) {
	// Set up our own certificate pool
	certPool := x509.NewCertPool()

	// Load our trusted certificate
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}

	if !certPool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("failed to append certificate to pool")
	}

	// Create TLS config with the certificate pool
	// Note: ServerName should match the server's hostname or be left empty for IP addresses
	tlsConfig := &tls.Config{
		RootCAs:    certPool,
		ServerName: "localhost", // Must match the certificate's DNS name
	}

	return credentials.NewTLS(tlsConfig), nil
}
