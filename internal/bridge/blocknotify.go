package bridge

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nativeswap/btcside/pkg/logging"
)

// BlockNotifier delivers a signal whenever the node bridge's underlying
// chain tip advances, so the Confirmation Tracker can re-tick promptly
// instead of waiting for its own poll interval.
type BlockNotifier interface {
	// Notify returns a channel that receives the new tip height on every
	// block. The channel is closed when the notifier is stopped.
	Notify() <-chan uint64
	Stop()
}

// WSBlockNotifier subscribes to a node/indexer's websocket push feed for
// new blocks (e.g. an Electrum-style `blockchain.headers.subscribe` proxy
// or an indexer's `/ws` block stream) and republishes heights on a
// buffered channel. It is an optional latency optimization: the
// Confirmation Tracker works correctly without it, purely by polling
// GetTxOut on each engine tick.
type WSBlockNotifier struct {
	conn   *websocket.Conn
	out    chan uint64
	log    *logging.Logger
	once   sync.Once
	cancel context.CancelFunc
}

// DialWSBlockNotifier connects to a websocket endpoint that emits a JSON
// object `{"height": N}` per new block.
func DialWSBlockNotifier(ctx context.Context, url string) (*WSBlockNotifier, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, NewError(ErrorIO, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &WSBlockNotifier{
		conn:   conn,
		out:    make(chan uint64, 8),
		log:    logging.GetDefault().Component("btcswap-blocknotify"),
		cancel: cancel,
	}
	go n.readLoop(ctx)
	return n, nil
}

func (n *WSBlockNotifier) readLoop(ctx context.Context) {
	defer close(n.out)
	defer n.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg struct {
			Height uint64 `json:"height"`
		}
		if err := n.conn.ReadJSON(&msg); err != nil {
			n.log.Debugf("block notify read error: %v", err)
			return
		}

		select {
		case n.out <- msg.Height:
		default:
			// Drop if the reader is behind; GetBlockCount polling is the
			// fallback of record, this channel only shortens latency.
		}
	}
}

func (n *WSBlockNotifier) Notify() <-chan uint64 { return n.out }

func (n *WSBlockNotifier) Stop() {
	n.once.Do(func() {
		n.cancel()
		// Closing the connection unblocks a pending ReadJSON, so the read
		// loop returns and closes the notify channel.
		n.conn.Close()
	})
}

var _ BlockNotifier = (*WSBlockNotifier)(nil)
