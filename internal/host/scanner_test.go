package host

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/wire"
)

func newScanStore(t *testing.T) *store.BoltStore {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "host.db"))
	if nil != err {
		t.Fatalf("failed opening store, got error %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return st
}

func TestScannerStepFeedsMinWantedHeight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	err := st.AppendTxs(ctx, []store.TxRecord{
		{Index: 10, Height: 5, Flag: []byte{1, 2, 3}},
		{Index: 11, Height: 5},
		{Index: 12, Height: 6, Flag: []byte{4, 5, 6}},
	})
	if nil != err {
		t.Fatalf("failed seeding txs, got error %v", err)
	}

	keyId := uuid.New()
	tag := bytes.Repeat([]byte{0xAA}, wire.TagSize)
	synced := uint64(4)

	drv := newTestDriver(t, ctx, func(env wire.Envelope) wire.Envelope {
		switch env.Op {
		case wire.OpWants:
			return wantsReply(
				wire.Want{UUID: keyId, Height: synced + 1},
				wire.Want{UUID: uuid.New(), Height: 9},
			)
		case wire.OpFeed:
			var body wire.FeedBody
			if err := env.DecodeBody(&body); nil != err {
				return wire.FaultEnvelope(env.Op, err)
			}
			if synced+1 != body.Height {
				return wire.FaultEnvelope(env.Op,
					flagError(wire.ErrHeightSkipped, "fed height %d", body.Height))
			}
			if 5 == body.Height && 2 != len(body.Flags) {
				t.Errorf("fed %d flags at height 5, 2 expected", len(body.Flags))
			}
			synced = body.Height
			reply, _ := wire.NewEnvelope(wire.OkOp(env.Op), wire.FeedOkBody{
				Results: []wire.FeedResult{{UUID: keyId, Tag: tag, CT: []byte("sealed")}},
			})
			return reply
		default:
			return wire.FaultEnvelope(env.Op, newError("unexpected op %q", env.Op))
		}
	})

	scanner := NewScanner(drv, st, st, 0)

	progress, err := scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if !progress {
		t.Fatalf("scanner made no progress with a scannable height pending")
	}

	rows, err := st.ResultsByTag(ctx, tag)
	if nil != err {
		t.Fatalf("failed loading results, got error %v", err)
	}
	if 1 != len(rows) || 5 != rows[0].Height || "sealed" != string(rows[0].CT) {
		t.Fatalf("persisted rows are %+v, one sealed row at height 5 expected", rows)
	}

	// next want is height 6, which the log has
	progress, err = scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if !progress {
		t.Fatalf("scanner made no progress with height 6 pending")
	}

	// height 7 is past the log tip
	progress, err = scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if progress {
		t.Fatalf("scanner progressed past the log tip")
	}
}

func TestScannerStepIdlesOnEmptyWants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	drv := newTestDriver(t, ctx, func(env wire.Envelope) wire.Envelope {
		return wantsReply()
	})

	scanner := NewScanner(drv, st, st, 0)
	progress, err := scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if progress {
		t.Fatalf("scanner progressed with no registered keys")
	}
}

func TestScannerStepBacksOffWhenBusy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	drv := newTestDriver(t, ctx, func(env wire.Envelope) wire.Envelope {
		return wire.FaultEnvelope(env.Op, flagError(wire.ErrBusy, "session open"))
	})

	scanner := NewScanner(drv, st, st, 0)
	progress, err := scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if progress {
		t.Fatalf("scanner progressed against a busy enclave")
	}
}

func TestScannerStepRecomputesOnSkippedHeight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	err := st.AppendTxs(ctx, []store.TxRecord{{Index: 1, Height: 3}})
	if nil != err {
		t.Fatalf("failed seeding txs, got error %v", err)
	}

	drv := newTestDriver(t, ctx, func(env wire.Envelope) wire.Envelope {
		switch env.Op {
		case wire.OpWants:
			return wantsReply(wire.Want{UUID: uuid.New(), Height: 3})
		default:
			return wire.FaultEnvelope(env.Op,
				flagError(wire.ErrHeightSkipped, "wants moved"))
		}
	})

	scanner := NewScanner(drv, st, st, 0)
	progress, err := scanner.step(ctx, testLog())
	if nil != err {
		t.Fatalf("failed stepping scanner, got error %v", err)
	}
	if !progress {
		t.Fatalf("skipped height must trigger an immediate recompute")
	}
}
