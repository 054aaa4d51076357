package host

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/utils"
	"code.kassandra.org/golang/internal/wire"
)

const (
	fetchBatchSize  = 30
	fetcherFile     = "fetcher.dat"
	indexerTimeout  = time.Minute
	maxFetchBackoff = 5 * time.Minute
)

// indexerTx is one MASP transaction as served by the indexer.
type indexerTx struct {
	Index   uint64          `json:"masp_tx_index"`
	Height  uint64          `json:"block_height"`
	Flag    utils.HexBinary `json:"flag"`
	Payload utils.HexBinary `json:"bytes"`
}

type indexerHeightReply struct {
	Height uint64 `json:"block_height"`
}

type indexerTxsReply struct {
	Txs []indexerTx `json:"txs"`
}

// Fetcher keeps the transaction log in sync with a MASP indexer. Fetched
// transactions accumulate in a write-ahead buffer flushed to the store when
// full and on shutdown; the next unfetched height survives restarts in a
// cursor file.
type Fetcher struct {
	client     *http.Client
	base       *url.URL
	txs        store.TxStore
	cursorPath string
	idle       time.Duration
	maxWAL     int

	wal  []store.TxRecord
	next uint64
}

// NewFetcher returns a Fetcher polling the indexer at baseURL. dbDir holds
// the durable fetch cursor.
func NewFetcher(baseURL string, txs store.TxStore, dbDir string, idle time.Duration, maxWAL int) (*Fetcher, error) {
	base, err := url.Parse(baseURL)
	if nil != err {
		return nil, wrapError(err, "failed parsing indexer url %q", baseURL)
	}

	self := &Fetcher{
		client: &http.Client{
			Transport: observability.Transport{},
			Timeout:   indexerTimeout,
		},
		base:       base,
		txs:        txs,
		cursorPath: filepath.Join(dbDir, fetcherFile),
		idle:       idle,
		maxWAL:     maxWAL,
		next:       1,
	}

	err = self.loadCursor()
	if nil != err {
		return nil, err
	}

	return self, nil
}

// Run polls the indexer until ctx is done, flushing the write-ahead buffer
// before returning. Indexer failures back off exponentially; only store
// failures are fatal.
func (self *Fetcher) Run(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()

	backoff := self.idle
	for {
		caughtUp, err := self.sync(ctx)
		if nil != err {
			if nil != ctx.Err() {
				break
			}
			if !errors.Is(err, wire.ErrIndexerUnreachable) {
				self.flush(ctx)
				return err
			}
			log.Warn("indexer unreachable, backing off", "backoff", backoff, "error", err)
		} else {
			backoff = self.idle
			if !caughtUp {
				continue
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		if nil != ctx.Err() {
			break
		}

		if nil != err {
			backoff = min(2*backoff, maxFetchBackoff)
		}
	}

	return self.flush(context.WithoutCancel(ctx))
}

// sync fetches at most one batch of blocks. It reports whether the log has
// caught up with the indexer tip.
func (self *Fetcher) sync(ctx context.Context) (bool, error) {
	tip, err := self.latestHeight(ctx)
	if nil != err {
		return false, err
	}
	if self.next > tip {
		return true, nil
	}

	to := min(self.next+fetchBatchSize-1, tip)
	txs, err := self.fetchTxs(ctx, self.next, to)
	if nil != err {
		return false, err
	}

	for _, tx := range txs {
		self.wal = append(self.wal, store.TxRecord{
			Index:   tx.Index,
			Height:  tx.Height,
			Flag:    tx.Flag,
			Payload: tx.Payload,
		})
	}
	if len(self.wal) >= self.maxWAL {
		err = self.flush(ctx)
		if nil != err {
			return false, err
		}
	}

	self.next = to + 1
	err = self.saveCursor()
	if nil != err {
		return false, err
	}

	return self.next > tip, nil
}

// flush persists the write-ahead buffer to the transaction log.
func (self *Fetcher) flush(ctx context.Context) error {
	if 0 == len(self.wal) {
		return nil
	}

	err := self.txs.AppendTxs(ctx, self.wal)
	if nil != err {
		return wrapError(err, "failed flushing %d buffered txs", len(self.wal))
	}
	self.wal = self.wal[:0]

	return nil
}

func (self *Fetcher) latestHeight(ctx context.Context) (uint64, error) {
	var reply indexerHeightReply
	err := self.getJSON(ctx, "/api/v1/height", &reply)
	if nil != err {
		return 0, err
	}
	return reply.Height, nil
}

func (self *Fetcher) fetchTxs(ctx context.Context, from, to uint64) ([]indexerTx, error) {
	var reply indexerTxsReply
	path := fmt.Sprintf("/api/v1/tx?from_height=%d&to_height=%d", from, to)
	err := self.getJSON(ctx, path, &reply)
	if nil != err {
		return nil, err
	}
	return reply.Txs, nil
}

func (self *Fetcher) getJSON(ctx context.Context, path string, reply any) error {
	ref, err := url.Parse(path)
	if nil != err {
		return wrapError(err, "failed parsing path %q", path)
	}
	target := self.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if nil != err {
		return wrapError(err, "failed preparing indexer request")
	}

	resp, err := self.client.Do(req)
	if nil != err {
		return flagError(wire.ErrIndexerUnreachable, "failed querying indexer: %v", err)
	}
	defer resp.Body.Close()

	if http.StatusOK != resp.StatusCode {
		return flagError(wire.ErrIndexerUnreachable,
			"indexer replied %s to %s", resp.Status, target.Redacted())
	}

	err = json.NewDecoder(resp.Body).Decode(reply)
	if nil != err {
		return flagError(wire.ErrIndexerUnreachable, "failed decoding indexer reply: %v", err)
	}

	return nil
}

// loadCursor restores the next unfetched height, keeping the default when no
// cursor was saved yet.
func (self *Fetcher) loadCursor() error {
	buf, err := os.ReadFile(self.cursorPath)
	if nil != err {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapError(err, "failed reading fetch cursor")
	}
	if 8 != len(buf) {
		return newError("corrupt fetch cursor %s, %d bytes", self.cursorPath, len(buf))
	}

	self.next = binary.BigEndian.Uint64(buf)

	return nil
}

func (self *Fetcher) saveCursor() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], self.next)

	err := os.WriteFile(self.cursorPath, buf[:], 0o600)

	// nil if err is nil
	return wrapError(err, "failed saving fetch cursor")
}
