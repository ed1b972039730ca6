// Package serviceagent implements the control loop that sits next to a
// private TCP or UDP service: it registers a key with the broker, answers
// keepalive pings, and on each stream-request push dials the private
// service and bridges it to a freshly opened broker data connection.
package serviceagent

import (
	"context"
	"fmt"
	"net"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	bk "github.com/quaybridge/pbmapper/internal/backoff"
	"github.com/quaybridge/pbmapper/internal/forward"
	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/internal/metrics"
	"github.com/quaybridge/pbmapper/internal/protocol"
	"github.com/quaybridge/pbmapper/internal/resolver"
	"github.com/quaybridge/pbmapper/internal/sockopt"
)

// Protocol selects how the agent dials the private service.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

const (
	pingInterval    = 16 * time.Second
	controlDeadline = 64 * time.Second
	localRetryCap   = 8
	globalRetryCap  = 16
)

// StatusFunc reports the agent's connection state to an optional UI
// collaborator. The argument is one of "retrying", "connected", "failed".
type StatusFunc func(state string)

// Config parameterises an Agent.
type Config struct {
	BrokerAddr string
	Key        string
	LocalAddr  string // address of the private service this agent fronts
	Proto      Protocol
	Encrypt    bool
	KeepAlive  bool
	Status     StatusFunc
}

// Agent runs the service-side control loop.
type Agent struct {
	cfg      Config
	resolver *resolver.Resolver
}

// New returns an Agent ready to Run.
func New(cfg Config) *Agent {
	if cfg.Status == nil {
		cfg.Status = func(string) {}
	}
	return &Agent{cfg: cfg, resolver: resolver.New()}
}

// Run drives the outer reconnect loop until ctx is cancelled or the global
// retry budget (16 attempts, 2^min(n,10)s backoff) is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	log := logging.Logger().Named("serviceagent").With(zap.String("key", a.cfg.Key))
	global := bk.New(globalRetryCap)

	for {
		err := a.runOnce(ctx, log, global)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("control loop ended", zap.Error(err))
		a.cfg.Status("retrying")
		metrics.ReconnectAttemptsTotal.WithLabelValues("service").Inc()

		d := global.NextBackOff()
		if d == cenkalti.Stop {
			a.cfg.Status("failed")
			return fmt.Errorf("serviceagent: giving up after %d attempts: %w", globalRetryCap, err)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce dials the broker, registers, and runs the keepalive/stream-push
// loop until the connection drops or times out. A successful registration
// resets the outer retry budget.
func (a *Agent) runOnce(ctx context.Context, log *zap.Logger, global *bk.Schedule) error {
	conn, err := net.Dial("tcp", a.cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("serviceagent: dial broker: %w", err)
	}
	defer conn.Close()
	if a.cfg.KeepAlive {
		_ = sockopt.SetKeepAlive(conn, 20*time.Second, 20*time.Second, 3)
	}

	reader := protocol.NewMessageReader(conn)
	writer := protocol.NewMessageWriter(conn)

	// need_codec tells the broker whether to issue a session key for this
	// key; an agent running plaintext opts out so no key is minted at all.
	needCodec := a.cfg.Encrypt
	regMsg, err := (&protocol.Command{Kind: protocol.KindRegister, Key: a.cfg.Key, NeedCodec: &needCodec}).Encode()
	if err != nil {
		return fmt.Errorf("serviceagent: encode register: %w", err)
	}
	if err := writer.WriteMsg(regMsg); err != nil {
		return fmt.Errorf("serviceagent: write register: %w", err)
	}

	msg, err := reader.ReadMsg()
	if err != nil {
		return fmt.Errorf("serviceagent: read register response: %w", err)
	}
	resp, err := protocol.DecodeCommand(msg)
	if err != nil {
		return fmt.Errorf("serviceagent: decode register response: %w", err)
	}
	if err := resp.ExpectKind(protocol.KindRegisterResp); err != nil {
		return fmt.Errorf("serviceagent: %w", err)
	}
	log.Info("registered", zap.Uint32("conn_id", resp.ConnID))
	a.cfg.Status("connected")
	global.Reset()

	return a.controlLoop(ctx, log, conn, reader, writer)
}

func (a *Agent) controlLoop(ctx context.Context, log *zap.Logger, conn net.Conn, reader *protocol.MessageReader, writer *protocol.MessageWriter) error {
	done := make(chan struct{})
	defer close(done)
	msgCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := reader.ReadMsg()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- append([]byte(nil), msg...):
			case <-done:
				return
			}
		}
	}()

	local := bk.New(localRetryCap)
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	deadline := time.NewTimer(controlDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-msgCh:
			cmd, err := protocol.DecodeCommand(msg)
			if err != nil {
				log.Warn("decode command", zap.Error(err))
				continue
			}
			switch cmd.Kind {
			case protocol.KindStreamPush:
				clientID := cmd.ClientID
				go a.handleStreamPush(ctx, log, clientID)
			case protocol.KindPong:
				local.Reset()
				resetTimer(deadline, controlDeadline)
			default:
				log.Warn("unexpected command", zap.String("kind", cmd.Kind))
			}

		case <-pingTicker.C:
			ping, err := (&protocol.Command{Kind: protocol.KindPing}).Encode()
			if err != nil {
				log.Error("encode ping", zap.Error(err))
				continue
			}
			if err := writer.WriteMsg(ping); err != nil {
				return fmt.Errorf("serviceagent: write ping: %w", err)
			}

		case err := <-errCh:
			return fmt.Errorf("serviceagent: control connection: %w", err)

		case <-deadline.C:
			if local.Attempt() < localRetryCap {
				local.NextBackOff()
				resetTimer(deadline, controlDeadline)
				continue
			}
			return fmt.Errorf("serviceagent: control connection timed out")
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleStreamPush opens a fresh connection to the broker, requests a
// stream carrier for clientID, then dials the private service and bridges
// the two. Each call runs on its own goroutine; failures here never affect
// the control connection.
func (a *Agent) handleStreamPush(ctx context.Context, log *zap.Logger, clientID uint32) {
	log = log.With(zap.Uint32("client_id", clientID))

	brokerConn, err := net.Dial("tcp", a.cfg.BrokerAddr)
	if err != nil {
		log.Warn("stream: dial broker", zap.Error(err))
		return
	}
	if a.cfg.KeepAlive {
		_ = sockopt.SetKeepAlive(brokerConn, 20*time.Second, 20*time.Second, 3)
	}

	writer := protocol.NewMessageWriter(brokerConn)
	reqMsg, err := (&protocol.Command{Kind: protocol.KindStream, Key: a.cfg.Key, DstID: clientID}).Encode()
	if err != nil {
		log.Error("stream: encode request", zap.Error(err))
		_ = brokerConn.Close()
		return
	}
	if err := writer.WriteMsg(reqMsg); err != nil {
		log.Warn("stream: write request", zap.Error(err))
		_ = brokerConn.Close()
		return
	}

	reader := protocol.NewMessageReader(brokerConn)
	msg, err := reader.ReadMsg()
	if err != nil {
		log.Warn("stream: read response", zap.Error(err))
		_ = brokerConn.Close()
		return
	}
	resp, err := protocol.DecodeCommand(msg)
	if err != nil {
		log.Warn("stream: decode response", zap.Error(err))
		_ = brokerConn.Close()
		return
	}
	if err := resp.ExpectKind(protocol.KindStreamResp); err != nil {
		log.Warn("stream: unexpected response", zap.Error(err))
		_ = brokerConn.Close()
		return
	}

	// The broker only issues a key for codec-enabled registrations; with
	// no key in the response, the carrier runs in plaintext.
	var codec *protocol.Codec
	if a.cfg.Encrypt && len(resp.SessionKey) == protocol.AesKeySize {
		var key [protocol.AesKeySize]byte
		copy(key[:], resp.SessionKey)
		codec, err = protocol.NewCodec(key)
		if err != nil {
			log.Error("stream: build codec", zap.Error(err))
			_ = brokerConn.Close()
			return
		}
	}

	localConn, err := a.dialLocal(ctx)
	if err != nil {
		log.Warn("stream: dial local service", zap.Error(err))
		_ = brokerConn.Close()
		return
	}

	log.Info("bridging stream")
	if a.cfg.Proto == ProtocolUDP {
		// The private leg is a connected UDP socket; the broker leg must
		// stay message-framed (optionally AEAD-sealed on top) so datagram
		// boundaries survive the TCP stream carrier.
		udpSide := newUDPConnAdapter(localConn.(*net.UDPConn))
		var tcpReader forward.FramedReader = reader
		var tcpWriter forward.FramedWriter = writer
		if codec != nil {
			tcpReader = protocol.NewEncryptedMessageReader(brokerConn, codec)
			tcpWriter = protocol.NewEncryptedMessageWriter(brokerConn, codec)
		}
		_ = forward.BridgeDatagram(log, udpSide, tcpReader, tcpWriter, brokerConn.Close)
		return
	}
	_ = forward.BridgeStream(log, localConn, brokerConn, codec)
}

// dialLocal connects to the private service this agent fronts: a connected
// UDP socket for UDP services (so Read/Write behave like a normal
// net.Conn), or a resolved TCP connection otherwise.
func (a *Agent) dialLocal(ctx context.Context) (net.Conn, error) {
	addr, err := a.resolver.Resolve(ctx, a.cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	network := "tcp"
	if a.cfg.Proto == ProtocolUDP {
		network = "udp"
	}
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}
