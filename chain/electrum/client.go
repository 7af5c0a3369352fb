// Package electrum adapts an Electrum protocol server to the chain.Source
// interface. The protocol is JSON-RPC framed as newline-delimited messages
// over a single TCP or TLS connection; requests are correlated to responses
// by id, so calls from multiple goroutines share the connection safely.
package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tidewallet/chain"
)

const (
	// clientName is the name reported in the server.version handshake.
	clientName = "tidewallet"

	// protocolVersion is the Electrum protocol version negotiated during
	// the handshake.
	protocolVersion = "1.4"

	// dialTimeout bounds the initial TCP connect when the caller's
	// context carries no deadline of its own.
	dialTimeout = 30 * time.Second
)

// ErrClientShutdown is returned for calls issued after Close, and for calls
// in flight when the connection is torn down.
var ErrClientShutdown = errors.New("electrum client shut down")

// Compile-time check that Client satisfies the chain.Source interface.
var _ chain.Source = (*Client)(nil)

// Config holds the connection parameters for an Electrum server.
type Config struct {
	// Addr is the host:port of the server.
	Addr string

	// TLS enables a TLS transport. Most public Electrum servers only
	// accept TLS connections.
	TLS bool

	// TLSConfig optionally overrides the TLS client configuration. Only
	// consulted when TLS is true.
	TLSConfig *tls.Config
}

// request is a single outbound JSON-RPC call.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// response is an inbound message: either a reply carrying our request id, or
// a server-initiated notification carrying a method instead.
type response struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError is the error object of a failed JSON-RPC call.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return fmt.Sprintf("electrum rpc error %d: %s", e.Code, e.Message)
}

// Client is a chain.Source backed by a single Electrum server connection.
type Client struct {
	conn net.Conn

	// writeMu serializes outbound frames on the shared connection.
	writeMu sync.Mutex

	// pendingMu guards nextID and pending.
	pendingMu sync.Mutex
	nextID    uint64
	pending   map[uint64]chan *response

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the configured server, performs the protocol handshake,
// and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    cfg.TLSConfig,
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, chain.NewRetryableError(
			fmt.Errorf("dialing %s: %w", cfg.Addr, err),
		)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *response),
		quit:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	// Negotiate the protocol version before any other call.
	var version []string
	err = c.call(ctx, "server.version",
		[]any{clientName, protocolVersion}, &version)
	if err != nil {
		c.Close()
		return nil, err
	}

	log.Infof("Connected to electrum server %s (%v)", cfg.Addr, version)

	return c, nil
}

// Close tears down the connection and fails all in-flight calls.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
	c.wg.Wait()

	return nil
}

// readLoop consumes inbound frames and dispatches replies to their waiting
// callers. Server notifications are logged and dropped; the wallet polls
// rather than subscribes.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.failPending()

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Electrum connection read "+
					"failed: %v", err)
			}
			return
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warnf("Dropping undecodable electrum frame: %v",
				err)
			continue
		}

		if resp.ID == nil {
			log.Tracef("Ignoring notification %q", resp.Method)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.pendingMu.Unlock()

		if !ok {
			log.Warnf("Reply for unknown request id %d", *resp.ID)
			continue
		}

		ch <- &resp
	}
}

// failPending unblocks every caller still waiting on a reply after the read
// loop exits.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// call issues one JSON-RPC request and decodes its reply into result. RPC
// level rejections surface as terminal transport errors; connection faults
// are retryable.
func (c *Client) call(ctx context.Context, method string, params []any,
	result any) error {

	select {
	case <-c.quit:
		return chain.NewRetryableError(ErrClientShutdown)
	default:
	}

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	// Drop the registration if the request never makes it out.
	abandon := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	frame, err := json.Marshal(&request{
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		abandon()
		return chain.NewTerminalError(err)
	}
	frame = append(frame, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		abandon()
		return chain.NewRetryableError(
			fmt.Errorf("writing %s request: %w", method, err),
		)
	}

	log.Tracef("Sent %s request id=%d", method, id)

	select {
	case resp, ok := <-ch:
		if !ok {
			return chain.NewRetryableError(
				fmt.Errorf("%w: connection lost during %s",
					ErrClientShutdown, method),
			)
		}

		if resp.Error != nil {
			return chain.NewTerminalError(resp.Error)
		}

		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return chain.NewTerminalError(
					fmt.Errorf("decoding %s reply: %w",
						method, err),
				)
			}
		}

		return nil

	case <-ctx.Done():
		abandon()
		return chain.NewRetryableError(ctx.Err())

	case <-c.quit:
		abandon()
		return chain.NewRetryableError(ErrClientShutdown)
	}
}

// historyItem is the server's encoding of one history entry.
type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
}

// FetchHistory implements chain.Source. Heights the server reports as
// negative mark unconfirmed transactions with unconfirmed parents; both
// unconfirmed encodings normalize to zero.
func (c *Client) FetchHistory(ctx context.Context,
	pkScript []byte) ([]chain.HistoryItem, error) {

	var raw []historyItem
	err := c.call(ctx, "blockchain.scripthash.get_history",
		[]any{ScriptHash(pkScript)}, &raw)
	if err != nil {
		return nil, err
	}

	items := make([]chain.HistoryItem, 0, len(raw))
	for _, entry := range raw {
		txid, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			return nil, chain.NewTerminalError(
				fmt.Errorf("invalid tx hash %q in history: %w",
					entry.TxHash, err),
			)
		}

		height := entry.Height
		if height < 0 {
			height = 0
		}

		items = append(items, chain.HistoryItem{
			TxID:   *txid,
			Height: height,
		})
	}

	return items, nil
}

// FetchTransaction implements chain.Source.
func (c *Client) FetchTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	var txHex string
	err := c.call(ctx, "blockchain.transaction.get",
		[]any{txid.String()}, &txHex)
	if err != nil {
		return nil, err
	}

	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, chain.NewTerminalError(
			fmt.Errorf("invalid tx hex for %v: %w", txid, err),
		)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, chain.NewTerminalError(
			fmt.Errorf("deserializing tx %v: %w", txid, err),
		)
	}

	return tx, nil
}

// tipNotification is the server's encoding of its best header.
type tipNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// CurrentTip implements chain.Source. The headers subscription reply carries
// the raw 80-byte header, whose double-SHA256 is the block hash.
func (c *Client) CurrentTip(ctx context.Context) (chain.Tip, error) {
	var tip tipNotification
	err := c.call(ctx, "blockchain.headers.subscribe", []any{}, &tip)
	if err != nil {
		return chain.Tip{}, err
	}

	header, err := hex.DecodeString(tip.Hex)
	if err != nil {
		return chain.Tip{}, chain.NewTerminalError(
			fmt.Errorf("invalid header hex at height %d: %w",
				tip.Height, err),
		)
	}

	return chain.Tip{
		Height: tip.Height,
		Hash:   chainhash.DoubleHashH(header),
	}, nil
}

// Broadcast implements chain.Source.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, chain.NewTerminalError(err)
	}

	var txidStr string
	err := c.call(ctx, "blockchain.transaction.broadcast",
		[]any{hex.EncodeToString(buf.Bytes())}, &txidStr)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, chain.NewTerminalError(
			fmt.Errorf("invalid broadcast reply %q: %w",
				txidStr, err),
		)
	}

	log.Debugf("Broadcast transaction %v", txid)

	return *txid, nil
}
