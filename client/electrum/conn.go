// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package electrum provides a client for an ElectrumX server, used as the
// wallet's chain indexer and broadcaster. Only the methods the wallet needs
// are implemented. For the methods and their request and response types, see
// https://electrumx.readthedocs.io/en/latest/protocol-methods.html.
package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"decred.org/sealwallet/seal"
	"github.com/decred/go-socks/socks"
)

const pingInterval = 10 * time.Second

// ServerConn represents a connection to an Electrum server e.g. ElectrumX. It
// is a single use type that must be replaced if the connection is lost. Use
// ConnectServer to construct a ServerConn and connect to the server.
type ServerConn struct {
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	proto  string
	log    seal.Logger

	reqID uint64

	respHandlersMtx sync.Mutex
	respHandlers    map[uint64]chan *response // reqID => requestor
}

func (sc *ServerConn) nextID() uint64 {
	return atomic.AddUint64(&sc.reqID, 1)
}

const newline = byte('\n')

func (sc *ServerConn) listen(ctx context.Context) {
	// listen is charged with sending on the response channels. As such, only
	// listen should close these channels, and only after the read loop has
	// finished.
	defer sc.cancelRequests()

	reader := bufio.NewReader(io.LimitReader(sc.conn, 1<<24))

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := reader.ReadBytes(newline)
		if err != nil {
			if ctx.Err() == nil { // unexpected
				sc.log.Debugf("ReadBytes: %v", err)
			}
			sc.cancel()
			return
		}

		var jsonResp response
		err = json.Unmarshal(msg, &jsonResp)
		if err != nil {
			sc.log.Debugf("response Unmarshal error: %v", err)
			continue
		}

		if jsonResp.Method != "" {
			// No subscriptions are made beyond the header snapshot in Tip.
			sc.log.Tracef("Ignoring %s notification", jsonResp.Method)
			continue
		}

		c := sc.responseChan(jsonResp.ID)
		if c == nil {
			sc.log.Debugf("Received response for unknown request ID %d", jsonResp.ID)
			continue
		}
		c <- &jsonResp // buffered and single use => cannot block
	}
}

func (sc *ServerConn) pinger(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		// listen => ReadBytes cannot wait forever. Reset the read deadline for
		// the next ping's response, as the ping loop is running.
		err := sc.conn.SetReadDeadline(time.Now().Add(pingInterval * 5 / 4))
		if err != nil {
			sc.log.Debugf("SetReadDeadline: %v", err)
			sc.cancel()
			return
		}
		if err = sc.Ping(ctx); err != nil {
			sc.log.Debugf("Ping: %v", err)
			sc.cancel()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// negotiateVersion should only be called once, and before starting the listen
// read loop. As such, this does not use the Request method.
func (sc *ServerConn) negotiateVersion() (string, error) {
	reqMsg, err := prepareRequest(sc.nextID(), "server.version", positional{"sealwallet", "1.4"})
	if err != nil {
		return "", err
	}
	reqMsg = append(reqMsg, newline)

	if err = sc.send(reqMsg); err != nil {
		return "", err
	}

	err = sc.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err != nil {
		return "", err
	}

	// Read byte by byte so nothing past the newline is buffered away from the
	// listen loop's reader.
	var msg []byte
	b := make([]byte, 1)
	for {
		if _, err := sc.conn.Read(b); err != nil {
			return "", err
		}
		if b[0] == newline {
			break
		}
		msg = append(msg, b[0])
		if len(msg) > 1<<16 {
			return "", errors.New("version response too long")
		}
	}

	var jsonResp response
	err = json.Unmarshal(msg, &jsonResp)
	if err != nil {
		return "", err
	}
	if jsonResp.Error != nil {
		return "", jsonResp.Error
	}

	var vers []string // [server_software_version, protocol_version]
	err = json.Unmarshal(jsonResp.Result, &vers)
	if err != nil {
		return "", err
	}
	if len(vers) != 2 {
		return "", fmt.Errorf("unexpected version response: %v", vers)
	}
	return vers[1], nil
}

// ConnectOpts are the connection options for ConnectServer.
type ConnectOpts struct {
	TLSConfig *tls.Config // nil means plain
	TorProxy  string
	Logger    seal.Logger
}

// ConnectServer connects to the electrum server at the given address. To close
// the connection and shutdown ServerConn, either cancel the context or use the
// Shutdown method, then wait on the channel from Done() to ensure a clean
// shutdown. There is no automatic reconnection.
func ConnectServer(ctx context.Context, addr string, opts *ConnectOpts) (*ServerConn, error) {
	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	if opts.TorProxy != "" {
		proxy := &socks.Proxy{
			Addr: opts.TorProxy,
		}
		dial = proxy.DialContext
	} else {
		dial = new(net.Dialer).DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, seal.NewError(seal.ErrNetworkUnavailable, err.Error())
	}

	if opts.TLSConfig != nil {
		conn = tls.Client(conn, opts.TLSConfig)
		err = conn.(*tls.Conn).HandshakeContext(ctx)
		if err != nil {
			conn.Close()
			return nil, seal.NewError(seal.ErrNetworkUnavailable, "TLS handshake: "+err.Error())
		}
	}

	log := opts.Logger
	if log == nil {
		log = seal.Disabled
	}

	sc := &ServerConn{
		conn:         conn,
		done:         make(chan struct{}),
		log:          log,
		respHandlers: make(map[uint64]chan *response),
	}

	// Wrap the context with a cancel function for internal shutdown, and so the
	// user can use Shutdown, instead of cancelling the parent context.
	ctx, sc.cancel = context.WithCancel(ctx)

	sc.proto, err = sc.negotiateVersion()
	if err != nil {
		sc.cancel()
		conn.Close()
		return nil, seal.NewError(seal.ErrNetworkUnavailable, "version negotiation: "+err.Error())
	}

	sc.log.Debugf("Connected to server %s using negotiated protocol version %s",
		addr, sc.proto)

	go sc.listen(ctx) // must be running to receive response
	go sc.pinger(ctx)

	go func() {
		<-ctx.Done()
		conn.Close()
		close(sc.done)
	}()

	return sc, nil
}

// Proto returns the electrum protocol of the connected server. e.g. "1.4.2".
func (sc *ServerConn) Proto() string {
	return sc.proto
}

// Shutdown begins shutting down the connection and request handling goroutines.
// Receive on the channel from Done() to wait for shutdown to complete.
func (sc *ServerConn) Shutdown() {
	sc.cancel()
}

// Done returns a channel that is closed when the ServerConn is fully shutdown.
func (sc *ServerConn) Done() <-chan struct{} {
	return sc.done
}

func (sc *ServerConn) send(msg []byte) error {
	err := sc.conn.SetWriteDeadline(time.Now().Add(7 * time.Second))
	if err != nil {
		return err
	}
	_, err = sc.conn.Write(msg)
	return err
}

func (sc *ServerConn) registerRequest(id uint64) chan *response {
	c := make(chan *response, 1)
	sc.respHandlersMtx.Lock()
	sc.respHandlers[id] = c
	sc.respHandlersMtx.Unlock()
	return c
}

func (sc *ServerConn) responseChan(id uint64) chan *response {
	sc.respHandlersMtx.Lock()
	defer sc.respHandlersMtx.Unlock()
	c := sc.respHandlers[id]
	delete(sc.respHandlers, id)
	return c
}

// cancelRequests deletes all response handlers from the respHandlers map and
// closes all of the channels. As such, this method MUST be called from the same
// goroutine that sends on the channel.
func (sc *ServerConn) cancelRequests() {
	sc.respHandlersMtx.Lock()
	defer sc.respHandlersMtx.Unlock()
	for id, c := range sc.respHandlers {
		close(c) // requester receives nil immediately
		delete(sc.respHandlers, id)
	}
}

// Request performs a request to the remote server for the given method using
// the provided arguments, which may either be positional (e.g.
// []any{arg1, arg2}), named (any struct), or nil if there are no arguments.
// If the response does not include an error, the result will be unmarshalled
// into result, unless the provided result is nil. Transport failures are
// ErrNetworkUnavailable. Server errors are returned as an RPCError.
func (sc *ServerConn) Request(ctx context.Context, method string, args any, result any) error {
	id := sc.nextID()
	reqMsg, err := prepareRequest(id, method, args)
	if err != nil {
		return err
	}
	reqMsg = append(reqMsg, newline)

	c := sc.registerRequest(id)

	if err = sc.send(reqMsg); err != nil {
		sc.responseChan(id)
		sc.cancel()
		return seal.NewError(seal.ErrNetworkUnavailable, method+": "+err.Error())
	}

	var resp *response
	select {
	case <-ctx.Done():
		sc.responseChan(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return seal.NewError(seal.ErrNetworkUnavailable, method+": request timed out")
		}
		return ctx.Err()
	case resp = <-c:
	}

	if resp == nil { // channel closed
		return seal.NewError(seal.ErrNetworkUnavailable, method+": connection terminated")
	}

	if resp.Error != nil {
		return resp.Error
	}

	if result != nil {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

// Ping pings the remote server.
func (sc *ServerConn) Ping(ctx context.Context) error {
	return sc.Request(ctx, "server.ping", nil, nil)
}

// ServerFeatures represents the result of a server features requests.
type ServerFeatures struct {
	Genesis  string `json:"genesis_hash"`
	ProtoMax string `json:"protocol_max"`
	ProtoMin string `json:"protocol_min"`
	Version  string `json:"server_version"` // server software version, not proto
	HashFunc string `json:"hash_function"`  // e.g. sha256
}

// Features requests the features claimed by the server. The caller should check
// the Genesis hash field to ensure it is the intended network.
func (sc *ServerConn) Features(ctx context.Context) (*ServerFeatures, error) {
	var feats ServerFeatures
	err := sc.Request(ctx, "server.features", nil, &feats)
	if err != nil {
		return nil, err
	}
	return &feats, nil
}
