package broker

import (
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/forward"
	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/internal/protocol"
	"github.com/quaybridge/pbmapper/internal/sockopt"
	"github.com/quaybridge/pbmapper/internal/util"
)

const (
	serverConnTimeout = 60 * time.Second
	connChanCap       = 32
)

// keepAliveOn gates TCP keepalive on accepted connections, per the
// PB_MAPPER_KEEP_ALIVE environment contract shared with the agents.
func keepAliveOn() bool {
	_, ok := os.LookupEnv("PB_MAPPER_KEEP_ALIVE")
	return ok
}

// releaseConn hands a one-shot or failed connection's id back to the
// manager so it is erased from the conn table (if present) and recycled.
func releaseConn(tasks chan<- managerTask, id RemoteConnID) {
	tasks <- taskDeregisterClient{ClientID: id}
}

// handleConn reads the single init command off a freshly accepted
// connection and routes it to the matching long-lived handler. Every
// registered connection (server or subscriber) keeps its own goroutine for
// the lifetime of the registration.
func handleConn(id RemoteConnID, tasks chan<- managerTask, conn net.Conn) {
	// The ULID tags every log line for this connection so operators can
	// correlate broker- and agent-side logs even after the numeric conn id
	// has been recycled.
	log := logging.Logger().Named("broker.conn").With(
		zap.Uint32("conn_id", uint32(id)),
		zap.String("trace_id", util.MustNew()),
	)
	if keepAliveOn() {
		_ = sockopt.SetKeepAlive(conn, 20*time.Second, 20*time.Second, 3)
	}

	reader := protocol.NewMessageReader(conn)
	msg, err := reader.ReadMsg()
	if err != nil {
		log.Warn("read init command", zap.Error(err))
		_ = conn.Close()
		releaseConn(tasks, id)
		return
	}
	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		log.Warn("decode init command", zap.Error(err))
		_ = conn.Close()
		releaseConn(tasks, id)
		return
	}

	switch cmd.Kind {
	case protocol.KindRegister:
		needCodec := cmd.NeedCodec == nil || *cmd.NeedCodec
		handleServerConn(log, cmd.Key, needCodec, id, tasks, conn, reader)
	case protocol.KindSubscribe:
		handleClientConn(log, cmd.Key, id, tasks, conn)
	case protocol.KindStream:
		handleStreamCarrier(log, cmd.Key, id, RemoteConnID(cmd.DstID), tasks, conn)
	case protocol.KindStatus:
		handleStatus(log, cmd.StatusReq, id, tasks, conn)
	default:
		log.Warn("unexpected init command kind", zap.String("kind", cmd.Kind))
		_ = conn.Close()
		releaseConn(tasks, id)
	}
}

// handleServerConn keeps a registered service agent's control connection
// alive: it answers ping keepalives with pong, and forwards StreamReq pushes
// from the manager as stream_push commands the agent must act on by opening
// a fresh data connection. The connection is deregistered on every exit path.
func handleServerConn(log *zap.Logger, key string, needCodec bool, id RemoteConnID, tasks chan<- managerTask, conn net.Conn, reader *protocol.MessageReader) {
	sender := make(connSender, connChanCap)
	tasks <- taskRegister{Key: key, ConnID: id, NeedCodec: needCodec, Sender: sender}

	resp, ok := <-sender
	regResp, isRegisterResp := resp.(taskRegisterResp)
	if !ok || !isRegisterResp {
		// The manager already backed the failed registration out; only the
		// socket is left to clean up here.
		log.Warn("register: did not receive RegisterResp")
		_ = conn.Close()
		return
	}

	defer func() {
		tasks <- taskDeregisterServer{Key: key, ConnID: id}
		_ = conn.Close()
	}()

	writer := protocol.NewMessageWriter(conn)
	regCmd := &protocol.Command{Kind: protocol.KindRegisterResp, ConnID: uint32(id)}
	if regResp.HasKey {
		sk := regResp.SessionKey
		regCmd.SessionKey = sk[:]
	}
	regMsg, err := regCmd.Encode()
	if err != nil {
		log.Error("encode register response", zap.Error(err))
		return
	}
	if err := writer.WriteMsg(regMsg); err != nil {
		log.Warn("write register response", zap.Error(err))
		return
	}
	log.Info("server registered", zap.String("key", key))

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
			cp := append([]byte(nil), msg...)
			select {
			case msgCh <- cp:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case task := <-sender:
			if streamReq, ok := task.(taskStreamReq); ok {
				push, err := (&protocol.Command{Kind: protocol.KindStreamPush, ClientID: uint32(streamReq.ClientID)}).Encode()
				if err != nil {
					log.Error("encode stream push", zap.Error(err))
					continue
				}
				if err := writer.WriteMsg(push); err != nil {
					log.Warn("write stream push", zap.Error(err))
					return
				}
			}

		case msg := <-msgCh:
			cmd, err := protocol.DecodeCommand(msg)
			if err != nil {
				log.Warn("decode keepalive command", zap.Error(err))
				continue
			}
			if cmd.Kind != protocol.KindPing {
				log.Warn("expected ping, got other", zap.String("kind", cmd.Kind))
				continue
			}
			pong, err := (&protocol.Command{Kind: protocol.KindPong}).Encode()
			if err != nil {
				log.Error("encode pong", zap.Error(err))
				continue
			}
			if err := writer.WriteMsg(pong); err != nil {
				log.Warn("write pong", zap.Error(err))
				return
			}

		case err := <-errCh:
			log.Info("server connection closed", zap.Error(err))
			return

		case <-time.After(serverConnTimeout):
			log.Warn("server connection timed out waiting for ping")
			return
		}
	}
}

// handleClientConn handles a gateway agent's control connection: it
// subscribes to key, waits for the manager to pair it with a service
// agent's data connection, and bridges it back to the subscriber with a
// Subscribe response carrying both connection ids.
func handleClientConn(log *zap.Logger, key string, id RemoteConnID, tasks chan<- managerTask, conn net.Conn) {
	sender := make(connSender, connChanCap)
	tasks <- taskSubscribe{Key: key, ConnID: id, Sender: sender}

	// The guard fires exactly once on every exit path; serverID is filled
	// in once a stream carrier has been paired so its id is recycled too.
	var serverID *RemoteConnID
	defer func() {
		tasks <- taskDeregisterClient{ServerID: serverID, ClientID: id}
	}()

	resp, ok := <-sender
	subResp, isSubResp := resp.(taskSubscribeResp)
	if !ok || !isSubResp {
		log.Warn("subscribe: unknown key or server unavailable", zap.String("key", key))
		_ = conn.Close()
		return
	}

	streamResp, ok := <-sender
	sresp, isStreamResp := streamResp.(taskStreamResp)
	if !ok || !isStreamResp {
		log.Warn("subscribe: did not receive paired stream connection")
		_ = conn.Close()
		return
	}
	serverID = &sresp.ServerID

	writer := protocol.NewMessageWriter(conn)
	subCmd := &protocol.Command{Kind: protocol.KindSubscribeResp, ClientID: uint32(id), ServerID: uint32(sresp.ServerID)}
	if subResp.HasKey {
		sk := subResp.SessionKey
		subCmd.SessionKey = sk[:]
	}
	msg, err := subCmd.Encode()
	if err != nil {
		log.Error("encode subscribe response", zap.Error(err))
		_ = conn.Close()
		_ = sresp.Conn.Close()
		return
	}
	if err := writer.WriteMsg(msg); err != nil {
		log.Warn("write subscribe response", zap.Error(err))
		_ = conn.Close()
		_ = sresp.Conn.Close()
		return
	}

	log.Info("subscribe ok, bridging", zap.Uint32("server_id", uint32(sresp.ServerID)))
	_ = forward.Bridge(log, conn, sresp.Conn)
}

// handleStreamCarrier answers a service agent's fresh data connection
// (opened in response to a taskStreamReq push) with the session key for
// key, then hands the raw connection to the manager to be paired with the
// waiting gateway-agent's subscribe connection. Once paired, this
// connection's bytes flow untouched through forward.Bridge on the
// subscriber side; the broker never decrypts them.
func handleStreamCarrier(log *zap.Logger, key string, serverID, clientID RemoteConnID, tasks chan<- managerTask, conn net.Conn) {
	sender := make(connSender, 1)
	tasks <- taskStreamKey{Key: key, Sender: sender}

	resp, ok := <-sender
	carrierResp, isCarrierResp := resp.(taskStreamCarrierResp)
	if !ok || !isCarrierResp {
		log.Warn("stream: did not receive carrier response")
		_ = conn.Close()
		releaseConn(tasks, serverID)
		return
	}

	carrierCmd := &protocol.Command{Kind: protocol.KindStreamResp}
	if carrierResp.HasKey {
		sk := carrierResp.SessionKey
		carrierCmd.SessionKey = sk[:]
	}
	msg, err := carrierCmd.Encode()
	if err != nil {
		log.Error("encode stream response", zap.Error(err))
		_ = conn.Close()
		releaseConn(tasks, serverID)
		return
	}
	if err := protocol.NewMessageWriter(conn).WriteMsg(msg); err != nil {
		log.Warn("write stream response", zap.Error(err))
		_ = conn.Close()
		releaseConn(tasks, serverID)
		return
	}
	// Only now, with the session-key frame already flushed, does the
	// connection's ownership pass to the waiting subscriber for bridging.
	tasks <- taskStream{Conn: conn, ServerID: serverID, ClientID: clientID}
}

// handleStatus answers a one-shot status query (server map or registered
// keys) and closes the connection once the response is written.
func handleStatus(log *zap.Logger, req string, id RemoteConnID, tasks chan<- managerTask, conn net.Conn) {
	defer conn.Close()
	defer releaseConn(tasks, id)

	sender := make(connSender, 1)
	tasks <- taskStatus{Sender: sender, Req: req, ConnID: id}

	resp, ok := <-sender
	sresp, isStatusResp := resp.(taskStatusResp)
	if !ok || !isStatusResp {
		log.Warn("status: did not receive response")
		return
	}

	cmd := &protocol.Command{Kind: protocol.KindStatusResp, StatusKeys: sresp.Keys}
	if sresp.RemoteID != nil {
		cmd.StatusRemoteID = &protocol.StatusRemoteID{
			ServerMap: sresp.RemoteID.ServerMap,
			Active:    sresp.RemoteID.Active,
			Idle:      sresp.RemoteID.Idle,
		}
	}
	msg, err := cmd.Encode()
	if err != nil {
		log.Error("encode status response", zap.Error(err))
		return
	}
	if err := protocol.NewMessageWriter(conn).WriteMsg(msg); err != nil {
		log.Warn("write status response", zap.Error(err))
	}
}
