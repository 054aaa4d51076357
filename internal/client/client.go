// Package client drives the life cycle of one master secret against a set
// of scanning providers: key share derivation, parallel registration over
// attested sessions, and result queries merged across providers.
package client

import (
	"context"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/protocols"
	"code.kassandra.org/golang/internal/protocols/queryp"
	"code.kassandra.org/golang/internal/protocols/registerp"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/attestation"
)

// Client runs registrations and queries against the configured providers.
type Client struct {
	cfg      Config
	verifier attestation.Verifier
	dial     func(ctx context.Context, addr string) (net.Conn, error)
}

// New returns a Client for cfg. The quote verifier is instantiated from the
// configured attestation mode.
func New(cfg Config) (*Client, error) {
	mode, err := attestation.GetMode(cfg.AttestationMode)
	if nil != err {
		return nil, err
	}
	verifier, err := mode.NewVerifier()
	if nil != err {
		return nil, wrapError(err, "failed creating %s verifier", cfg.AttestationMode)
	}

	var dialer net.Dialer
	return &Client{
		cfg:      cfg,
		verifier: verifier,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}, nil
}

// Register registers one detection key share with every configured provider
// in parallel and persists the completed registrations to providers.json.
func (self *Client) Register(ctx context.Context) ([]Registration, error) {
	log := observability.GetObservability(ctx).Log()

	per, short, err := Apportion(self.cfg.FprLog2, len(self.cfg.Providers), self.cfg.FprLog2Max)
	if nil != err {
		return nil, err
	}
	if short {
		log.Warn("per provider rate clamped, intersected false positive rate stays above the requested one",
			"fpr_log2", self.cfg.FprLog2,
			"per_provider", per,
			"providers", len(self.cfg.Providers))
	}

	regs := make([]Registration, len(self.cfg.Providers))
	grp, ctx := errgroup.WithContext(ctx)
	for pos, provider := range self.cfg.Providers {
		grp.Go(func() error {
			reg, err := self.registerOne(ctx, provider, uint8(pos), per)
			if nil != err {
				return wrapError(err, "failed registering with %s", provider.URL)
			}
			regs[pos] = reg
			log.Info("registered with provider", "url", provider.URL, "uuid", reg.UUID)
			return nil
		})
	}
	err = grp.Wait()
	if nil != err {
		return nil, err
	}

	err = SaveRegistrations(self.cfg.StateDir, regs)
	if nil != err {
		return nil, err
	}

	return regs, nil
}

func (self *Client) registerOne(ctx context.Context, provider ProviderConfig, index uint8, fprLog2 uint) (Registration, error) {
	var reg Registration

	conn, err := self.connect(ctx, provider.URL)
	if nil != err {
		return reg, err
	}
	defer conn.Close()

	info, err := fetchInfo(conn)
	if nil != err {
		return reg, err
	}

	ek, err := DeriveEncKey(self.cfg.MasterSecret, info.UUID)
	if nil != err {
		return reg, err
	}
	dk, err := DeriveDetectionKey(self.cfg.MasterSecret, fprLog2, index)
	if nil != err {
		return reg, err
	}
	rawdk, err := cbor.Marshal(dk)
	if nil != err {
		return reg, wrapError(err, "failed marshalling detection key")
	}

	p := &registerp.RegisterProtocol{
		Verifier:    self.verifier,
		Measurement: self.cfg.Measurement,
		Request: wire.RegisterRequest{
			DK:      rawdk,
			EK:      ek,
			Birth:   provider.Birth,
			FprLog2: uint64(fprLog2),
		},
	}
	rv, err := protocols.Run(p, transport.RWTransport{R: conn, W: conn}, nil)
	if nil != err {
		return reg, err
	}
	result, ok := rv.(registerp.Result)
	if !ok {
		return reg, newError("register protocol returned %T", rv)
	}

	reg.URL = provider.URL
	reg.UUID = result.UUID
	reg.EncKey = ek
	reg.FprLog2 = fprLog2
	reg.Index = index
	reg.Birth = provider.Birth

	return reg, nil
}

// Detected is the merged query outcome. Indices is the union of every
// provider's detections; Height is the lowest provider synced height, the
// height up to which every provider has confirmed scanning.
type Detected struct {
	Indices IndexList
	Height  uint64
}

// Query fetches and decrypts the results of every registered provider in
// parallel and merges them.
func (self *Client) Query(ctx context.Context) (Detected, error) {
	var detected Detected

	regs, err := LoadRegistrations(self.cfg.StateDir)
	if nil != err {
		return detected, err
	}
	if 0 == len(regs) {
		return detected, newError("no provider registrations in %s", self.cfg.StateDir)
	}

	lists := make([]IndexList, len(regs))
	heights := make([]uint64, len(regs))
	grp, ctx := errgroup.WithContext(ctx)
	for pos, reg := range regs {
		grp.Go(func() error {
			list, height, err := self.queryOne(ctx, reg)
			if nil != err {
				return wrapError(err, "failed querying %s", reg.URL)
			}
			lists[pos] = list
			heights[pos] = height
			return nil
		})
	}
	err = grp.Wait()
	if nil != err {
		return detected, err
	}

	detected.Height = heights[0]
	for pos, list := range lists {
		detected.Indices.Union(list)
		if heights[pos] < detected.Height {
			detected.Height = heights[pos]
		}
	}

	return detected, nil
}

// queryOne collects one provider's results from both stores: the sealed
// deltas persisted at the host, which survive enclave restarts, and the
// enclave's in-session snapshot covering heights not yet flushed to disk.
func (self *Client) queryOne(ctx context.Context, reg Registration) (IndexList, uint64, error) {
	var list IndexList
	var height uint64

	conn, err := self.connect(ctx, reg.URL)
	if nil != err {
		return list, 0, err
	}
	defer conn.Close()

	tag := LookupTag(reg.EncKey)
	stored, err := fetchStored(conn, tag)
	if nil != err {
		return list, 0, err
	}

	p := &queryp.QueryProtocol{
		Verifier:    self.verifier,
		Measurement: self.cfg.Measurement,
		Request:     wire.QueryRequest{Tag: tag},
	}
	rv, err := protocols.Run(p, transport.RWTransport{R: conn, W: conn}, nil)
	if nil != err {
		return list, 0, err
	}
	result, ok := rv.(queryp.Result)
	if !ok {
		return list, 0, newError("query protocol returned %T", rv)
	}

	for _, sealed := range stored {
		delta, err := wire.OpenResult(reg.EncKey, reg.UUID, sealed.H, sealed.CT)
		if nil != err {
			return list, 0, err
		}
		list.AddDelta(delta)
		if sealed.H > height {
			height = sealed.H
		}
	}
	for _, sealed := range result.Results {
		delta, err := wire.OpenSnapshot(reg.EncKey, reg.UUID, sealed.H, sealed.CT)
		if nil != err {
			return list, 0, err
		}
		list.AddDelta(delta)
		if sealed.H > height {
			height = sealed.H
		}
	}

	return list, height, nil
}

// ProviderInfo is one provider's self description.
type ProviderInfo struct {
	URL         string
	UUID        uuid.UUID
	Measurement []byte
}

// ListProviders fetches the instance description of every configured
// provider.
func (self *Client) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	infos := make([]ProviderInfo, len(self.cfg.Providers))
	grp, ctx := errgroup.WithContext(ctx)
	for pos, provider := range self.cfg.Providers {
		grp.Go(func() error {
			conn, err := self.connect(ctx, provider.URL)
			if nil != err {
				return wrapError(err, "failed reaching %s", provider.URL)
			}
			defer conn.Close()

			info, err := fetchInfo(conn)
			if nil != err {
				return wrapError(err, "failed describing %s", provider.URL)
			}
			infos[pos] = ProviderInfo{
				URL:         provider.URL,
				UUID:        info.UUID,
				Measurement: info.Measurement,
			}
			return nil
		})
	}
	err := grp.Wait()
	if nil != err {
		return nil, err
	}

	return infos, nil
}

func (self *Client) connect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := self.dial(ctx, addr)
	if nil != err {
		return nil, wrapError(err, "failed dialing %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

func roundtrip(conn net.Conn, op string, body, reply any) error {
	mt := transport.MessageTransport{
		Transport: transport.RWTransport{R: conn, W: conn},
		S:         transport.CBORSerializer{},
	}

	env, err := wire.NewEnvelope(op, body)
	if nil != err {
		return err
	}
	err = mt.WriteMessage(env)
	if nil != err {
		return err
	}

	var renv wire.Envelope
	err = mt.ReadMessage(&renv)
	if nil != err {
		return err
	}
	if fault := renv.Fault(); nil != fault {
		return wrapError(fault, "%s faulted", op)
	}
	if wire.OkOp(op) != renv.Op {
		return newError("reply op is %q, %q expected", renv.Op, wire.OkOp(op))
	}

	return renv.DecodeBody(reply)
}

func fetchInfo(conn net.Conn) (wire.InfoOkBody, error) {
	var body wire.InfoOkBody
	err := roundtrip(conn, wire.OpInfo, nil, &body)
	return body, err
}

func fetchStored(conn net.Conn, tag []byte) ([]wire.SealedResult, error) {
	var body wire.QueryTagOkBody
	err := roundtrip(conn, wire.OpQueryTag, wire.QueryTagBody{Tag: tag}, &body)
	if nil != err {
		return nil, err
	}
	return body.Results, nil
}
