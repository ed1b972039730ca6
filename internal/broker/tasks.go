package broker

import "net"

// connTask is sent by the manager goroutine down a single connection's
// dedicated task channel; the connection's own goroutine drains it and acts
// (writing a reply frame, or handing over a data connection to bridge).
type connTask interface{ isConnTask() }

// HasKey is false on responses for a key whose service agent registered
// with need_codec off; its stream carriers then run in plaintext and no
// session key travels in the wire response.
type taskRegisterResp struct {
	SessionKey [32]byte
	HasKey     bool
}

func (taskRegisterResp) isConnTask() {}

type taskSubscribeResp struct {
	ServerID   RemoteConnID
	SessionKey [32]byte
	HasKey     bool
}

func (taskSubscribeResp) isConnTask() {}

// taskStreamReq tells a registered service-agent connection that a gateway
// agent with id ClientID wants a data stream; the service agent must dial
// back with a Stream command carrying ClientID as DstID.
type taskStreamReq struct{ ClientID RemoteConnID }

func (taskStreamReq) isConnTask() {}

// taskStreamResp hands the subscribing connection the raw data connection
// the service agent opened in response to a taskStreamReq.
type taskStreamResp struct {
	ServerID RemoteConnID
	Conn     net.Conn
}

// taskStreamCarrierResp answers the service agent's own Stream-request
// connection (the one it dials back on a taskStreamReq push) with the
// session key it must use to encrypt the data it is about to forward.
type taskStreamCarrierResp struct {
	SessionKey [32]byte
	HasKey     bool
}

func (taskStreamCarrierResp) isConnTask() {}

func (taskStreamResp) isConnTask() {}

type taskStatusResp struct {
	RemoteID *statusRemoteIDPayload
	Keys     []string
}

func (taskStatusResp) isConnTask() {}

type statusRemoteIDPayload struct {
	ServerMap string
	Active    string
	Idle      string
}

// taskFail tells a waiting connection handler its request cannot be served
// (unknown key, no usable server, session-key failure); the handler's guard
// then deregisters and closes the connection.
type taskFail struct{ Reason string }

func (taskFail) isConnTask() {}

// connSender is what a connection handler registers with the manager so the
// manager can push it connTasks.
type connSender chan connTask

// managerTask is sent by connection-handling goroutines to the single
// task-center goroutine that owns all registry/conn-table state.
type managerTask interface{ isManagerTask() }

type taskAccept struct{ Conn net.Conn }

func (taskAccept) isManagerTask() {}

type taskRegister struct {
	Key       string
	ConnID    RemoteConnID
	NeedCodec bool
	Sender    connSender
}

func (taskRegister) isManagerTask() {}

type taskSubscribe struct {
	Key    string
	ConnID RemoteConnID
	Sender connSender
}

func (taskSubscribe) isManagerTask() {}

// taskStreamKey asks the manager for the session key of Key, which a
// service agent uses to encrypt the data connection it just opened.
type taskStreamKey struct {
	Key    string
	Sender connSender
}

func (taskStreamKey) isManagerTask() {}

// taskStream hands the now-framed-and-keyed data connection over to be
// paired with the waiting subscriber. Posted only after handleStreamCarrier
// has already written the Stream response frame on Conn.
type taskStream struct {
	Conn     net.Conn
	ServerID RemoteConnID
	ClientID RemoteConnID
}

func (taskStream) isManagerTask() {}

type taskStatus struct {
	Sender connSender
	Req    string // protocol.StatusReqRemoteID | protocol.StatusReqKeys
	ConnID RemoteConnID
}

func (taskStatus) isManagerTask() {}

type taskDeregisterServer struct {
	Key    string
	ConnID RemoteConnID
}

func (taskDeregisterServer) isManagerTask() {}

type taskDeregisterClient struct {
	ServerID *RemoteConnID
	ClientID RemoteConnID
}

func (taskDeregisterClient) isManagerTask() {}
