// Package transport carries wallet messages between peers over websockets.
// Every frame is a signed Envelope; a connection is bound to one participant
// by a hello request and then carries store messages in both directions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotBound         = errors.New("connection is not bound to a participant")
	ErrIdentityMismatch = errors.New("peer identity mismatch")
)

// helloTimeout bounds the wait for a dialled peer's hello response.
const helloTimeout = 5 * time.Second

// Inbox receives messages from peers.
type Inbox interface {
	PushMessage(ctx context.Context, msg store.Message) error
}

type peerConn struct {
	id          string
	participant string
	signer      common.Address
	conn        *websocket.Conn
	writeMu     sync.Mutex
}

func (p *peerConn) write(env *Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(env)
}

// Node accepts peer connections, dials known peers and implements the
// wallet's outbound sender.
type Node struct {
	config   NodeConfig
	signer   *channel.Signer
	inbox    Inbox
	channels ChannelReader

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*peerConn
	peers map[string]*peerConn
	addrs map[string]string
	// keys pins the signing key each participant first proved in a hello.
	keys map[string]common.Address
}

// NewNode creates a node speaking for participantID. Inbound store messages
// go to inbox; get_channel requests are served from channels.
func NewNode(participantID string, chainID uint64, signer *channel.Signer, inbox Inbox, channels ChannelReader) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config: NodeConfig{
			ParticipantID: participantID,
			Address:       signer.Address(),
			ChainID:       chainID,
		},
		signer:   signer,
		inbox:    inbox,
		channels: channels,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*peerConn),
		peers:  make(map[string]*peerConn),
		addrs:  make(map[string]string),
		keys:   make(map[string]common.Address),
	}
}

// AddPeer records where a participant can be dialled. The connection is
// opened on the first send.
func (n *Node) AddPeer(participantID, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addrs[participantID] = url
}

// HandleWebSocket upgrades an inbound connection and serves it until it
// closes.
func (n *Node) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("failed to upgrade connection", "error", err)
		return
	}
	p := &peerConn{id: uuid.NewString(), conn: conn}
	log.Debugw("peer connected", "conn", p.id, "remote", r.RemoteAddr)

	n.mu.Lock()
	n.conns[p.id] = p
	n.mu.Unlock()
	n.wg.Add(1)
	defer n.wg.Done()
	n.serve(p)
}

// Connect dials a participant and binds the connection with a hello.
func (n *Node) Connect(ctx context.Context, participantID, url string) error {
	n.AddPeer(participantID, url)
	_, err := n.connect(ctx, participantID, url)
	return err
}

func (n *Node) connect(ctx context.Context, participantID, url string) (*peerConn, error) {
	conn, _, err := n.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	p := &peerConn{id: uuid.NewString(), conn: conn}

	hello, err := n.request(MethodHello, HelloParams{ParticipantID: n.config.ParticipantID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := p.write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	signer, err := n.awaitHello(ctx, p, participantID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	n.bind(p, participantID, signer)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.serve(p)
	}()
	log.Infow("connected to peer", "peer", participantID, "conn", p.id)
	return p, nil
}

// awaitHello reads the dialled peer's hello response and checks that it is
// signed by participantID.
func (n *Node) awaitHello(ctx context.Context, p *peerConn, participantID string) (common.Address, error) {
	deadline := time.Now().Add(helloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return common.Address{}, err
	}
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read hello from %s: %w", participantID, err)
	}
	if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return common.Address{}, err
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		return common.Address{}, err
	}
	if env.Data.Method == MethodError {
		var res ErrorResponse
		_ = env.Param(0, &res)
		return common.Address{}, fmt.Errorf("%s refused hello: %s", participantID, res.Error)
	}
	if env.Data.Type != TypeResponse || env.Data.Method != MethodHello {
		return common.Address{}, fmt.Errorf("expected hello response from %s, got %s", participantID, env.Data.Method)
	}
	var params HelloParams
	if err := env.Param(0, &params); err != nil {
		return common.Address{}, err
	}
	if params.ParticipantID != participantID {
		return common.Address{}, fmt.Errorf("%w: dialled %s, answered by %s", ErrIdentityMismatch, participantID, params.ParticipantID)
	}
	signer, err := env.Signer()
	if err != nil {
		return common.Address{}, err
	}
	if err := n.verifyIdentity(participantID, signer); err != nil {
		return common.Address{}, err
	}
	return signer, nil
}

// verifyIdentity checks that signer may speak for participant: a participant
// id that is an address must be signed by that address, any other id by the
// key first seen for it.
func (n *Node) verifyIdentity(participant string, signer common.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	expected, ok := n.keys[participant]
	if !ok && common.IsHexAddress(participant) {
		expected, ok = common.HexToAddress(participant), true
	}
	if ok && expected != signer {
		return fmt.Errorf("%w: %s signed by %s", ErrIdentityMismatch, participant, signer.Hex())
	}
	n.keys[participant] = signer
	return nil
}

// Send implements the wallet's sender: it writes msg to the connection of
// msg.To, dialling it if needed.
func (n *Node) Send(ctx context.Context, msg store.Message) error {
	p, err := n.peer(ctx, msg.To)
	if err != nil {
		return err
	}
	env, err := n.request(MethodMessage, msg)
	if err != nil {
		return err
	}
	if err := p.write(env); err != nil {
		n.unregister(p)
		return fmt.Errorf("failed to send to %s: %w", msg.To, err)
	}
	return nil
}

func (n *Node) peer(ctx context.Context, participantID string) (*peerConn, error) {
	n.mu.RLock()
	p, ok := n.peers[participantID]
	url, known := n.addrs[participantID]
	n.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, participantID)
	}
	return n.connect(ctx, participantID, url)
}

// bind makes p the connection of participant, replacing any older one.
func (n *Node) bind(p *peerConn, participant string, signer common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p.participant = participant
	p.signer = signer
	n.conns[p.id] = p
	if old, ok := n.peers[participant]; ok && old != p {
		old.conn.Close()
	}
	n.peers[participant] = p
}

func (n *Node) unregister(p *peerConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, p.id)
	if p.participant != "" && n.peers[p.participant] == p {
		delete(n.peers, p.participant)
	}
}

func (n *Node) request(method string, params ...any) (*Envelope, error) {
	env, err := NewRequest(n.nextID.Add(1), method, params, time.Now())
	if err != nil {
		return nil, err
	}
	if err := env.Sign(n.signer); err != nil {
		return nil, err
	}
	return env, nil
}

// serve reads frames from p until the connection fails or the node closes.
func (n *Node) serve(p *peerConn) {
	defer func() {
		n.unregister(p)
		p.conn.Close()
		log.Debugw("peer disconnected", "conn", p.id, "peer", p.participant)
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && n.ctx.Err() == nil {
				log.Debugw("connection read failed", "conn", p.id, "error", err)
			}
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			log.Warnw("dropping malformed frame", "conn", p.id, "error", err)
			continue
		}
		if env.Data.Type == TypeResponse {
			if env.Data.Method == MethodError {
				var res ErrorResponse
				_ = env.Param(0, &res)
				log.Warnw("peer reported error", "peer", p.participant, "request", env.Data.RequestID, "error", res.Error)
			}
			continue
		}

		res, err := n.handle(p, env)
		if err != nil {
			log.Warnw("request failed", "conn", p.id, "method", env.Data.Method, "error", err)
			res, err = errorResponse(env.Data.RequestID, err)
			if err != nil {
				continue
			}
		}
		if res == nil {
			continue
		}
		if err := res.Sign(n.signer); err != nil {
			log.Errorw("failed to sign response", "error", err)
			continue
		}
		if err := p.write(res); err != nil {
			log.Debugw("failed to write response", "conn", p.id, "error", err)
			return
		}
	}
}

func (n *Node) handle(p *peerConn, env *Envelope) (*Envelope, error) {
	signer, err := env.Signer()
	if err != nil {
		return nil, err
	}

	switch env.Data.Method {
	case MethodHello:
		var params HelloParams
		if err := env.Param(0, &params); err != nil {
			return nil, err
		}
		if params.ParticipantID == "" {
			return nil, errors.New("missing participant_id parameter")
		}
		if err := n.verifyIdentity(params.ParticipantID, signer); err != nil {
			return nil, err
		}
		n.bind(p, params.ParticipantID, signer)
		log.Infow("peer bound", "peer", p.participant, "conn", p.id)
		return NewResponse(env.Data.RequestID, MethodHello, []any{HelloParams{ParticipantID: n.config.ParticipantID}}, time.Now())
	case MethodPing:
		return HandlePing(env)
	case MethodGetConfig:
		return HandleGetConfig(env, n.config)
	case MethodGetChannel:
		return HandleGetChannel(n.ctx, env, n.channels)
	case MethodMessage:
		return nil, n.handleMessage(p, signer, env)
	default:
		return nil, fmt.Errorf("unsupported method: %s", env.Data.Method)
	}
}

func (n *Node) handleMessage(p *peerConn, signer common.Address, env *Envelope) error {
	if p.participant == "" || p.signer != signer {
		return ErrNotBound
	}
	var msg store.Message
	if err := env.Param(0, &msg); err != nil {
		return err
	}
	if msg.From != p.participant {
		return fmt.Errorf("message from %s on connection of %s", msg.From, p.participant)
	}
	if msg.To != n.config.ParticipantID {
		return fmt.Errorf("message for %s delivered to %s", msg.To, n.config.ParticipantID)
	}
	return n.inbox.PushMessage(n.ctx, msg)
}

// Close drops every connection and waits for their readers to return.
func (n *Node) Close() {
	n.cancel()
	n.mu.Lock()
	for _, p := range n.conns {
		p.conn.Close()
	}
	n.mu.Unlock()
	n.wg.Wait()
}
