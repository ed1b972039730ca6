package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/internal/metrics"
)

const (
	managerChanCap = 1024

	// replyTimeout bounds how long the task center waits on one stalled
	// consumer before abandoning its reply.
	replyTimeout = time.Second
)

// Manager is the single-owner task center: all registry and conn-table
// mutation happens on the goroutine running Run, serialized through tasks
// channel. Every other goroutine in the broker only ever posts a
// managerTask and waits on its own connSender reply channel; none of them
// touch registry/connTable state directly.
type Manager struct {
	ids      *idProvider
	registry *serverRegistry
	conns    *connTable

	tasks chan managerTask
}

// NewManager constructs a Manager with an empty registry.
func NewManager() *Manager {
	return &Manager{
		ids:      newIDProvider(),
		registry: newServerRegistry(),
		conns:    newConnTable(),
		tasks:    make(chan managerTask, managerChanCap),
	}
}

// TaskSender returns the channel other goroutines use to post managerTasks.
func (m *Manager) TaskSender() chan<- managerTask { return m.tasks }

// Run drains tasks until ctx is cancelled. It must run on exactly one
// goroutine; all registry/conn-table state is confined to this goroutine.
func (m *Manager) Run(ctx context.Context) {
	log := logging.Logger().Named("broker.manager")
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.tasks:
			m.dispatch(log, task)
		}
	}
}

func (m *Manager) dispatch(log *zap.Logger, task managerTask) {
	switch t := task.(type) {
	case taskAccept:
		id := m.ids.acquire()
		go handleConn(id, m.tasks, t.Conn)

	case taskRegister:
		m.conns.signUp(t.ConnID, t.Sender)
		sk, hasKey, err := m.registry.register(t.Key, t.ConnID, t.NeedCodec)
		if err != nil {
			log.Error("register: generate session key", zap.Error(err))
			m.conns.remove(t.ConnID)
			m.ids.release(t.ConnID)
			m.reply(log, t.Sender, taskFail{Reason: "session key generation failed"})
			return
		}
		log.Info("server registered", zap.String("key", t.Key), zap.Uint32("conn_id", uint32(t.ConnID)), zap.Bool("codec", hasKey))
		m.updateGauges()
		m.reply(log, t.Sender, taskRegisterResp{SessionKey: sk, HasKey: hasKey})

	case taskSubscribe:
		m.conns.signUp(t.ConnID, t.Sender)
		m.updateGauges()
		ids, ok := m.registry.lookup(t.Key)
		if !ok || len(ids) == 0 {
			log.Warn("subscribe: unknown key", zap.String("key", t.Key))
			m.reply(log, t.Sender, taskFail{Reason: "unknown key"})
			return
		}
		sk, hasKey := m.registry.sessionKey(t.Key)
		// First-usable pairing: try the newest registered server first and
		// fall through older ones until one accepts the stream-request push.
		var paired bool
		for _, serverID := range ids {
			serverSender, ok := m.conns.sender(serverID)
			if !ok {
				continue
			}
			select {
			case serverSender <- taskStreamReq{ClientID: t.ConnID}:
				m.reply(log, t.Sender, taskSubscribeResp{ServerID: serverID, SessionKey: sk, HasKey: hasKey})
				log.Info("subscribe ok", zap.String("key", t.Key), zap.Uint32("server_id", uint32(serverID)), zap.Uint32("client_id", uint32(t.ConnID)))
				paired = true
			default:
				continue
			}
			break
		}
		if !paired {
			log.Warn("subscribe: no usable server for key", zap.String("key", t.Key))
			m.reply(log, t.Sender, taskFail{Reason: "no usable server"})
		}

	case taskStreamKey:
		if _, ok := m.registry.lookup(t.Key); !ok {
			log.Warn("stream: unknown key", zap.String("key", t.Key))
			m.reply(log, t.Sender, taskFail{Reason: "unknown key"})
			return
		}
		// A registered key without a session key is a plaintext one, not
		// an error: the carrier response just carries no key.
		sk, hasKey := m.registry.sessionKey(t.Key)
		m.reply(log, t.Sender, taskStreamCarrierResp{SessionKey: sk, HasKey: hasKey})

	case taskStream:
		clientSender, ok := m.conns.sender(t.ClientID)
		if !ok {
			log.Warn("stream: client conn id not registered", zap.Uint32("client_id", uint32(t.ClientID)))
			_ = t.Conn.Close()
			m.ids.release(t.ServerID)
			return
		}
		select {
		case clientSender <- taskStreamResp{ServerID: t.ServerID, Conn: t.Conn}:
		case <-time.After(replyTimeout):
			log.Warn("stream: client not draining, dropping carrier", zap.Uint32("client_id", uint32(t.ClientID)))
			_ = t.Conn.Close()
			m.ids.release(t.ServerID)
		}

	case taskStatus:
		var resp taskStatusResp
		switch t.Req {
		case "remote_id":
			resp.RemoteID = &statusRemoteIDPayload{
				ServerMap: formatServerMap(m.registry.snapshot()),
				Active:    m.activeConnIDMsg(),
				Idle:      m.idleConnIDMsg(),
			}
		case "keys":
			resp.Keys = m.registry.keys()
		}
		m.reply(log, t.Sender, resp)

	case taskDeregisterServer:
		m.registry.deregister(t.Key, t.ConnID)
		m.conns.remove(t.ConnID)
		m.ids.release(t.ConnID)
		log.Info("server deregistered", zap.String("key", t.Key), zap.Uint32("conn_id", uint32(t.ConnID)))
		m.updateGauges()

	case taskDeregisterClient:
		if t.ServerID != nil {
			m.conns.remove(*t.ServerID)
			m.ids.release(*t.ServerID)
		}
		m.conns.remove(t.ClientID)
		m.ids.release(t.ClientID)
		log.Info("client deregistered", zap.Uint32("client_id", uint32(t.ClientID)))
		m.updateGauges()

	default:
		log.Warn("unknown manager task", zap.Any("task", t))
	}
}

// updateGauges mirrors registry/conn-table sizes into the exported metrics.
// Only ever called from the task-center goroutine.
func (m *Manager) updateGauges() {
	metrics.RegisteredKeys.Set(float64(len(m.registry.byKey)))
	metrics.ActiveConnections.Set(float64(len(m.conns.byID)))
}

// reply delivers a connTask to a connection's channel. A full channel is
// back-pressure: the send blocks up to replyTimeout before the task is
// abandoned, so a wedged consumer delays the task center briefly but can
// never stall it forever.
func (m *Manager) reply(log *zap.Logger, sender connSender, task connTask) {
	select {
	case sender <- task:
		return
	default:
	}
	select {
	case sender <- task:
	case <-time.After(replyTimeout):
		log.Warn("dropping conn task to stalled consumer")
	}
}

func (m *Manager) activeConnIDMsg() string {
	ids := make([]int, 0)
	for id := range m.conns.byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	return fmt.Sprintf("count:%d, list:%v", len(ids), ids)
}

func (m *Manager) idleConnIDMsg() string {
	ids := make([]uint32, len(m.ids.free))
	for i, id := range m.ids.free {
		ids[i] = uint32(id)
	}
	return fmt.Sprintf("list:%v", ids)
}

func formatServerMap(m map[string][]RemoteConnID) string {
	return fmt.Sprintf("%v", m)
}
