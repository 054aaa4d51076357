package host

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/wire"
)

// Scanner drives the enclave scan loop: ask what every key wants, feed the
// minimal wanted height from the transaction log, persist the sealed deltas.
type Scanner struct {
	drv     *Driver
	txs     store.TxStore
	results store.ResultStore
	idle    time.Duration
}

// NewScanner returns a Scanner pumping work between drv and the stores.
func NewScanner(drv *Driver, txs store.TxStore, results store.ResultStore, idle time.Duration) *Scanner {
	return &Scanner{drv: drv, txs: txs, results: results, idle: idle}
}

// Run steps the scan loop until ctx is done. Persistence failures are fatal;
// losing a sealed result after the enclave advanced would break the height
// monotonicity clients observe.
func (self *Scanner) Run(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()

	for {
		progress, err := self.step(ctx, log)
		if nil != err {
			return err
		}
		if progress {
			continue
		}

		select {
		case <-time.After(self.idle):
		case <-ctx.Done():
			return nil
		}
	}
}

// step performs at most one wants/feed exchange. It reports no progress when
// there is nothing to scan yet, or when the enclave is serving a client.
func (self *Scanner) step(ctx context.Context, log *slog.Logger) (bool, error) {
	if nil != ctx.Err() {
		return false, nil
	}

	reply, err := self.drv.Call(ctx, mustWants())
	if nil != err {
		return false, nil
	}
	if fault := reply.Fault(); nil != fault {
		if errors.Is(fault, wire.ErrBusy) {
			return false, nil
		}
		log.Warn("wants faulted", "error", fault)
		return false, nil
	}

	var wants wire.WantsOkBody
	err = reply.DecodeBody(&wants)
	if nil != err {
		return false, err
	}
	if 0 == len(wants.Wants) {
		return false, nil
	}

	minh := wants.Wants[0].Height
	for _, want := range wants.Wants[1:] {
		if want.Height < minh {
			minh = want.Height
		}
	}

	maxh, found, err := self.txs.MaxHeight(ctx)
	if nil != err {
		return false, wrapError(err, "failed reading tx log height")
	}
	if !found || maxh < minh {
		// the fetcher has not reached this height yet
		return false, nil
	}

	txs, err := self.txs.TxsAt(ctx, minh)
	if nil != err {
		return false, wrapError(err, "failed loading txs at %d", minh)
	}

	flags := make([]wire.FeedFlag, 0, len(txs))
	for _, tx := range txs {
		flags = append(flags, wire.FeedFlag{Index: tx.Index, Flag: tx.Flag})
	}
	feed, err := wire.NewEnvelope(wire.OpFeed, wire.FeedBody{Height: minh, Flags: flags})
	if nil != err {
		return false, err
	}

	reply, err = self.drv.Call(ctx, feed)
	if nil != err {
		return false, nil
	}
	if fault := reply.Fault(); nil != fault {
		switch {
		case errors.Is(fault, wire.ErrBusy):
			return false, nil
		case errors.Is(fault, wire.ErrHeightSkipped):
			// wants changed under us, recompute immediately
			return true, nil
		default:
			return false, wrapError(fault, "feed at %d faulted", minh)
		}
	}

	var body wire.FeedOkBody
	err = reply.DecodeBody(&body)
	if nil != err {
		return false, err
	}

	rows := make([]store.TaggedResult, 0, len(body.Results))
	for _, res := range body.Results {
		rows = append(rows, store.TaggedResult{
			Tag:    res.Tag,
			UUID:   res.UUID,
			Height: minh,
			CT:     res.CT,
		})
	}
	err = self.results.AppendResults(ctx, rows)
	if nil != err {
		return false, wrapError(err, "failed persisting results at %d", minh)
	}
	log.Debug("scanned height", "height", minh, "txs", len(txs), "results", len(rows))

	return true, nil
}

func mustWants() wire.Envelope {
	env, _ := wire.NewEnvelope(wire.OpWants, nil)
	return env
}
