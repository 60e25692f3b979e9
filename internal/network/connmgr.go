package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	crdb "github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"p2p-comments/internal/crypto"
)

// MaxFrameBytes bounds one encoded frame on the wire, newline included.
// Longer lines are discarded without being buffered.
const MaxFrameBytes = 4 << 20

var errFrameTooLarge = errors.New("frame too large")

// ConnManager manages inbound and outbound peer connections and moves frames
// across them.
type ConnManager struct {
	addr     string
	listener net.Listener
	secure   *crypto.Box
	log      *zap.SugaredLogger

	connsMu sync.RWMutex
	conns   map[string]net.Conn
	writeMu map[string]*sync.Mutex
	// aliases maps a connection key to the listen address the remote announced.
	aliases map[string]string
	// dialing holds addresses with an outbound dial in flight.
	dialing map[string]struct{}

	onConnect func(remote string)

	Incoming chan Inbound
	quit     chan struct{}
	stopOnce sync.Once
}

// NewConnManager returns a configured manager for addr.
func NewConnManager(addr string, box *crypto.Box, log *zap.SugaredLogger) *ConnManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ConnManager{
		addr:     addr,
		secure:   box,
		log:      log,
		conns:    make(map[string]net.Conn),
		writeMu:  make(map[string]*sync.Mutex),
		aliases:  make(map[string]string),
		dialing:  make(map[string]struct{}),
		Incoming: make(chan Inbound, 256),
		quit:     make(chan struct{}),
	}
}

// StartListen starts accepting inbound peers.
func (cm *ConnManager) StartListen() error {
	ln, err := net.Listen("tcp", cm.addr)
	if err != nil {
		return crdb.Wrapf(err, "listen %s", cm.addr)
	}
	cm.listener = ln
	cm.addr = ln.Addr().String()
	go cm.acceptLoop()
	return nil
}

func (cm *ConnManager) acceptLoop() {
	for {
		conn, err := cm.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-cm.quit:
				return
			default:
				cm.log.Warnw("accept error", "error", err)
			}
			continue
		}
		remote := conn.RemoteAddr().String()
		cm.addConn(remote, conn)
		go cm.handleConn(conn, remote)
		cm.connected(remote)
	}
}

// ConnectToPeer dials an outbound connection unless one to peerAddr exists,
// either dialed by us or accepted from a remote that announced peerAddr.
// A call made while a dial to the same address is in flight returns at once.
func (cm *ConnManager) ConnectToPeer(peerAddr string) error {
	if peerAddr == cm.addr {
		return nil
	}
	cm.connsMu.Lock()
	if cm.hasPeerLocked(peerAddr) {
		cm.connsMu.Unlock()
		return nil
	}
	if _, busy := cm.dialing[peerAddr]; busy {
		cm.connsMu.Unlock()
		return nil
	}
	cm.dialing[peerAddr] = struct{}{}
	cm.connsMu.Unlock()

	conn, err := net.DialTimeout("tcp", peerAddr, 3*time.Second)

	cm.connsMu.Lock()
	delete(cm.dialing, peerAddr)
	if err == nil {
		cm.addConnLocked(peerAddr, conn)
	}
	cm.connsMu.Unlock()
	if err != nil {
		return crdb.Wrapf(err, "dial %s", peerAddr)
	}
	go cm.handleConn(conn, peerAddr)
	cm.connected(peerAddr)
	return nil
}

// HasPeer reports whether a connection to addr is open.
func (cm *ConnManager) HasPeer(addr string) bool {
	cm.connsMu.RLock()
	defer cm.connsMu.RUnlock()
	return cm.hasPeerLocked(addr)
}

func (cm *ConnManager) hasPeerLocked(addr string) bool {
	if _, ok := cm.conns[addr]; ok {
		return true
	}
	for key, alias := range cm.aliases {
		if alias == addr {
			if _, ok := cm.conns[key]; ok {
				return true
			}
		}
	}
	return false
}

// SetAlias records the listen address announced on connection key.
func (cm *ConnManager) SetAlias(key, listenAddr string) {
	if listenAddr == "" || key == listenAddr {
		return
	}
	cm.connsMu.Lock()
	defer cm.connsMu.Unlock()
	if _, ok := cm.conns[key]; ok {
		cm.aliases[key] = listenAddr
	}
}

// SetOnConnect registers fn to run after every new connection is registered.
func (cm *ConnManager) SetOnConnect(fn func(remote string)) {
	cm.connsMu.Lock()
	cm.onConnect = fn
	cm.connsMu.Unlock()
}

func (cm *ConnManager) connected(remote string) {
	cm.connsMu.RLock()
	fn := cm.onConnect
	cm.connsMu.RUnlock()
	if fn != nil {
		fn(remote)
	}
}

func (cm *ConnManager) handleConn(conn net.Conn, key string) {
	defer cm.removeConn(key, conn)

	reader := bufio.NewReaderSize(conn, 64<<10)
	for {
		line, err := readFrame(reader, MaxFrameBytes)
		if errors.Is(err, errFrameTooLarge) {
			cm.log.Warnw("oversized frame dropped", "remote", key, "limit", MaxFrameBytes)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				cm.log.Debugw("read error", "remote", key, "error", err)
			}
			return
		}
		payload := bytes.TrimSpace(line)
		if len(payload) == 0 {
			continue
		}
		if cm.secure != nil {
			payload, err = cm.secure.Open(payload)
			if err != nil {
				cm.log.Debugw("decrypt error", "remote", key, "error", err)
				continue
			}
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			cm.log.Debugw("frame decode error", "remote", key, "error", err)
			continue
		}
		select {
		case cm.Incoming <- Inbound{Frame: frame, Remote: key}:
		case <-cm.quit:
			return
		}
	}
}

// readFrame returns the next newline-terminated line from r. A line longer
// than limit is consumed and reported as errFrameTooLarge; at most limit bytes
// of it are ever held.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if oversized {
			return nil, errFrameTooLarge
		}
		return line, nil
	}
}

func (cm *ConnManager) encode(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, crdb.Wrap(err, "marshal frame")
	}
	if cm.secure != nil {
		data, err = cm.secure.Seal(data)
		if err != nil {
			return nil, crdb.Wrap(err, "seal frame")
		}
	}
	data = append(data, '\n')
	if len(data) > MaxFrameBytes {
		return nil, crdb.Wrapf(errFrameTooLarge, "%d bytes", len(data))
	}
	return data, nil
}

// Send writes frame to a single connection.
func (cm *ConnManager) Send(remote string, frame Frame) error {
	data, err := cm.encode(frame)
	if err != nil {
		return err
	}
	cm.connsMu.RLock()
	conn, ok := cm.conns[remote]
	mu := cm.writeMu[remote]
	cm.connsMu.RUnlock()
	if !ok {
		return crdb.Newf("no connection to %s", remote)
	}
	return cm.write(remote, conn, mu, data)
}

// Broadcast sends a frame to all peers except the provided connection key.
func (cm *ConnManager) Broadcast(frame Frame, except string) {
	data, err := cm.encode(frame)
	if err != nil {
		cm.log.Warnw("broadcast encode failed", "error", err)
		return
	}
	type target struct {
		key  string
		conn net.Conn
		mu   *sync.Mutex
	}
	cm.connsMu.RLock()
	targets := make([]target, 0, len(cm.conns))
	for key, conn := range cm.conns {
		if key == except {
			continue
		}
		targets = append(targets, target{key, conn, cm.writeMu[key]})
	}
	cm.connsMu.RUnlock()
	for _, t := range targets {
		if err := cm.write(t.key, t.conn, t.mu, data); err != nil {
			cm.log.Debugw("write error", "remote", t.key, "error", err)
		}
	}
}

func (cm *ConnManager) write(key string, conn net.Conn, mu *sync.Mutex, data []byte) error {
	mu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(data)
	mu.Unlock()
	if err != nil {
		go cm.removeConn(key, conn)
		return crdb.Wrapf(err, "write to %s", key)
	}
	return nil
}

func (cm *ConnManager) addConn(addr string, conn net.Conn) {
	cm.connsMu.Lock()
	defer cm.connsMu.Unlock()
	cm.addConnLocked(addr, conn)
}

func (cm *ConnManager) addConnLocked(addr string, conn net.Conn) {
	if old, ok := cm.conns[addr]; ok {
		_ = old.Close()
	}
	cm.conns[addr] = conn
	cm.writeMu[addr] = &sync.Mutex{}
}

// ConnsList returns current connection keys.
func (cm *ConnManager) ConnsList() []string {
	cm.connsMu.RLock()
	defer cm.connsMu.RUnlock()
	list := make([]string, 0, len(cm.conns))
	for addr := range cm.conns {
		list = append(list, addr)
	}
	return list
}

// removeConn closes conn and forgets addr, unless addr has since been taken
// over by a newer connection.
func (cm *ConnManager) removeConn(addr string, conn net.Conn) {
	_ = conn.Close()
	cm.connsMu.Lock()
	defer cm.connsMu.Unlock()
	if cm.conns[addr] != conn {
		return
	}
	delete(cm.conns, addr)
	delete(cm.writeMu, addr)
	delete(cm.aliases, addr)
}

// Stop shuts down listener and connections.
func (cm *ConnManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.quit)
		if cm.listener != nil {
			_ = cm.listener.Close()
		}
		cm.connsMu.Lock()
		for addr, conn := range cm.conns {
			_ = conn.Close()
			delete(cm.conns, addr)
		}
		cm.connsMu.Unlock()
	})
}

// Addr exposes the listening address.
func (cm *ConnManager) Addr() string {
	return cm.addr
}

// EncryptionEnabled reports whether frames are sealed.
func (cm *ConnManager) EncryptionEnabled() bool {
	return cm.secure != nil
}

// DialAddr formats host:port.
func DialAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
