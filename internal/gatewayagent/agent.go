// Package gatewayagent implements the access-gateway control loop: it
// exposes a local TCP or UDP listening port, and for each accepted local
// connection opens a fresh subscribe connection to the broker to obtain a
// stream carrier bridged back to the local connection.
package gatewayagent

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
	"github.com/quaybridge/pbmapper/internal/sockopt"
	"github.com/quaybridge/pbmapper/internal/udpstream"
)

// Protocol selects whether the gateway exposes a TCP or UDP local listener.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

const globalRetryCap = 16

// StatusFunc reports connection state to an optional UI collaborator. The
// argument is one of "retrying", "connected", "failed".
type StatusFunc func(state string)

// Config parameterises an Agent.
type Config struct {
	BrokerAddr string
	Key        string
	ListenAddr string
	Proto      Protocol
	Encrypt    bool
	KeepAlive  bool
	Status     StatusFunc
}

// Agent runs the gateway-side control loop.
type Agent struct {
	cfg Config
}

// New returns an Agent ready to Run.
func New(cfg Config) *Agent {
	if cfg.Status == nil {
		cfg.Status = func(string) {}
	}
	return &Agent{cfg: cfg}
}

// Run validates the key is registered, binds the local listener, and
// serves accepted connections until ctx is cancelled or the global retry
// budget is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	log := logging.Logger().Named("gatewayagent").With(zap.String("key", a.cfg.Key))
	global := bk.New(globalRetryCap)

	for {
		err := a.runOnce(ctx, log, global)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("gateway loop ended", zap.Error(err))
		a.cfg.Status("retrying")
		metrics.ReconnectAttemptsTotal.WithLabelValues("gateway").Inc()

		d := global.NextBackOff()
		if d == cenkalti.Stop {
			a.cfg.Status("failed")
			return fmt.Errorf("gatewayagent: giving up after %d attempts: %w", globalRetryCap, err)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) runOnce(ctx context.Context, log *zap.Logger, global *bk.Schedule) error {
	present, err := a.keyRegistered(ctx)
	if err != nil {
		return fmt.Errorf("gatewayagent: status query: %w", err)
	}
	if !present {
		return fmt.Errorf("gatewayagent: key %q is not registered with the broker", a.cfg.Key)
	}

	a.cfg.Status("connected")
	global.Reset()
	if a.cfg.Proto == ProtocolUDP {
		return a.serveUDP(ctx, log)
	}
	return a.serveTCP(ctx, log)
}

// keyRegistered fetches Status(Keys) from the broker and reports whether
// this gateway's key is present in the snapshot.
func (a *Agent) keyRegistered(ctx context.Context) (bool, error) {
	conn, err := net.Dial("tcp", a.cfg.BrokerAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	req, err := (&protocol.Command{Kind: protocol.KindStatus, StatusReq: protocol.StatusReqKeys}).Encode()
	if err != nil {
		return false, err
	}
	if err := protocol.NewMessageWriter(conn).WriteMsg(req); err != nil {
		return false, err
	}
	msg, err := protocol.NewMessageReader(conn).ReadMsg()
	if err != nil {
		return false, err
	}
	resp, err := protocol.DecodeCommand(msg)
	if err != nil {
		return false, err
	}
	if err := resp.ExpectKind(protocol.KindStatusResp); err != nil {
		return false, err
	}
	for _, k := range resp.StatusKeys {
		if k == a.cfg.Key {
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) serveTCP(ctx context.Context, log *zap.Logger) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gatewayagent: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info("gateway listening", zap.String("addr", a.cfg.ListenAddr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gatewayagent: accept: %w", err)
		}
		if a.cfg.KeepAlive {
			_ = sockopt.SetKeepAlive(conn, 20*time.Second, 20*time.Second, 3)
		}
		go a.bridgeTCP(ctx, log, conn)
	}
}

func (a *Agent) serveUDP(ctx context.Context, log *zap.Logger) error {
	ln, err := udpstream.Listen(a.cfg.ListenAddr, udpstream.DefaultIdleTimeout)
	if err != nil {
		return fmt.Errorf("gatewayagent: udp listen: %w", err)
	}
	defer ln.Close()
	go ln.Serve(ctx)

	log.Info("gateway udp listening", zap.String("addr", a.cfg.ListenAddr))
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gatewayagent: udp accept: %w", err)
		}
		go a.bridgeUDP(ctx, log, stream)
	}
}

// subscribe opens a fresh broker connection and completes the
// Subscribe/Stream-pairing handshake, returning the paired broker
// connection together with the session key for this key. hasKey is false
// when the service agent registered the key with need_codec off; the
// bridged stream then runs in plaintext.
func (a *Agent) subscribe(ctx context.Context, log *zap.Logger) (conn net.Conn, sessionKey [protocol.AesKeySize]byte, hasKey bool, err error) {
	conn, err = net.Dial("tcp", a.cfg.BrokerAddr)
	if err != nil {
		return nil, sessionKey, false, err
	}
	if a.cfg.KeepAlive {
		_ = sockopt.SetKeepAlive(conn, 20*time.Second, 20*time.Second, 3)
	}

	req, err := (&protocol.Command{Kind: protocol.KindSubscribe, Key: a.cfg.Key}).Encode()
	if err != nil {
		_ = conn.Close()
		return nil, sessionKey, false, err
	}
	if err := protocol.NewMessageWriter(conn).WriteMsg(req); err != nil {
		_ = conn.Close()
		return nil, sessionKey, false, err
	}

	msg, err := protocol.NewMessageReader(conn).ReadMsg()
	if err != nil {
		_ = conn.Close()
		return nil, sessionKey, false, err
	}
	resp, err := protocol.DecodeCommand(msg)
	if err != nil {
		_ = conn.Close()
		return nil, sessionKey, false, err
	}
	if err := resp.ExpectKind(protocol.KindSubscribeResp); err != nil {
		_ = conn.Close()
		return nil, sessionKey, false, err
	}
	if len(resp.SessionKey) == protocol.AesKeySize {
		copy(sessionKey[:], resp.SessionKey)
		hasKey = true
	}
	return conn, sessionKey, hasKey, nil
}

func (a *Agent) bridgeTCP(ctx context.Context, log *zap.Logger, local net.Conn) {
	broker, sessionKey, hasKey, err := a.subscribe(ctx, log)
	if err != nil {
		log.Warn("subscribe failed", zap.Error(err))
		_ = local.Close()
		return
	}

	var codec *protocol.Codec
	if a.cfg.Encrypt && hasKey {
		codec, err = protocol.NewCodec(sessionKey)
		if err != nil {
			log.Error("build codec", zap.Error(err))
			_ = local.Close()
			_ = broker.Close()
			return
		}
	}
	_ = forward.BridgeStream(log, local, broker, codec)
}

func (a *Agent) bridgeUDP(ctx context.Context, log *zap.Logger, local *udpstream.Stream) {
	broker, sessionKey, hasKey, err := a.subscribe(ctx, log)
	if err != nil {
		log.Warn("subscribe failed", zap.Error(err))
		_ = local.Close()
		return
	}

	var tcpReader forward.FramedReader = protocol.NewMessageReader(broker)
	var tcpWriter forward.FramedWriter = protocol.NewMessageWriter(broker)
	if a.cfg.Encrypt && hasKey {
		codec, err := protocol.NewCodec(sessionKey)
		if err != nil {
			log.Error("build codec", zap.Error(err))
			_ = local.Close()
			_ = broker.Close()
			return
		}
		tcpReader = protocol.NewEncryptedMessageReader(broker, codec)
		tcpWriter = protocol.NewEncryptedMessageWriter(broker, codec)
	}
	_ = forward.BridgeDatagram(log, local, tcpReader, tcpWriter, broker.Close)
}
