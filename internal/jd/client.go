// Package jd implements the Job Declaration sub-protocol: the Noise NX
// handshake, frame and message codecs, and the Pool Client state machine
// that drives an encrypted session with a mining pool.
package jd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devvaansh/sv2-jdc/internal/bus"
	"github.com/devvaansh/sv2-jdc/internal/coinbase"
	"github.com/devvaansh/sv2-jdc/internal/events"
	"github.com/devvaansh/sv2-jdc/pkg/txmath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prometheus metrics for the Pool Client.
var (
	poolUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jdc_pool_up",
		Help: "1 if the encrypted session to the pool is established",
	})
	handshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdc_handshake_failures_total",
		Help: "Total Noise handshake failures",
	})
	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdc_reconnects_total",
		Help: "Total outer-loop reconnect attempts",
	})
	tokensAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdc_tokens_allocated_total",
		Help: "Total AllocTokenOk responses received",
	})
	declarationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jdc_declarations_total",
		Help: "Total job declarations by result",
	}, []string{"result"})
	pendingDeclarations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jdc_pending_declarations",
		Help: "Number of declarations awaiting a terminal response",
	})
	declarationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jdc_declaration_latency_seconds",
		Help:    "Time from DeclJob sent to a terminal response",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(poolUp, handshakeFailures, reconnects,
		tokensAllocated, declarationsTotal, pendingDeclarations, declarationLatency)
}

// reconnectBackoff is the fixed delay between connect/handshake failures.
const reconnectBackoff = 5 * time.Second

// outboundCapacity bounds the internal plaintext-frame channel. Sends on
// it never block: a handler that finds the channel full gets a
// ChannelSend error, which ends the session; the handler is not held
// back until the network catches up.
const outboundCapacity = 32

// DeclState is the declaration sub-state machine, valid only once the
// Noise handshake has completed for the current session.
type DeclState int

const (
	NeedToken DeclState = iota
	AwaitToken
	Ready
	Pending
	AwaitTx
)

func (s DeclState) String() string {
	switch s {
	case NeedToken:
		return "need_token"
	case AwaitToken:
		return "await_token"
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case AwaitTx:
		return "await_tx"
	default:
		return "unknown"
	}
}

// PendingDecl is the record kept for one outstanding declaration, from the
// moment its frame is queued until a terminal DeclJobOk/DeclJobErr arrives.
type PendingDecl struct {
	TplID     uint64
	ReqID     uint32
	Txs       [][]byte
	Txids     []txmath_Hash
	HashNonce uint64
	SentAt    time.Time
}

// txmath_Hash avoids importing chainhash into this file's public surface
// while keeping the pending table typed the same way txmath returns ids.
type txmath_Hash = [32]byte

// Config is everything the Pool Client needs that isn't itself protocol
// state: the pool to dial and the per-process hash-nonce salt sampled once at startup and reused across
// every session this process runs.
type Config struct {
	PoolAddress string
	HashNonce   uint64
}

// Client owns one Job Declaration session at a time against a single pool.
// It is not safe to run two sessions from the same Client concurrently;
// Run owns the outer reconnect loop for the Client's entire lifetime.
type Client struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	blkVersion uint32
	blkHeight  uint64
	coinbaseVal uint64
	stateMu    sync.Mutex
}

// New creates a Pool Client bound to the given bus and configuration.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		bus:        b,
		logger:     logger.Named("jd"),
		blkVersion: 0x20000000,
	}
}

// Run drives the outer reconnect loop until ctx is cancelled or a
// Shutdown event is observed on the bus.
func (c *Client) Run(ctx context.Context) error {
	sub := c.bus.Subscribe()
	defer sub.Close()

	// Track blk_height/coinbase_val continuously, independent of session
	// state, via a background drain of template events that never blocks
	// the outer loop. The tracker has its own subscription so that it and
	// the session loop each see every event.
	tplSub := c.bus.Subscribe()
	defer tplSub.Close()
	templateCtx, cancelTemplates := context.WithCancel(ctx)
	defer cancelTemplates()
	go c.trackTemplates(templateCtx, tplSub.C)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		reconnects.Inc()
		sessionID := uuid.New().String()[:8]
		sessionLog := c.logger.With(zap.String("session", sessionID))

		err := c.runSession(ctx, sessionLog, sub)
		if err != nil {
			if IsShutdown(err) {
				sessionLog.Info("shutdown received")
				return nil
			}
			sessionLog.Warn("session ended", zap.Error(err))
		}

		poolUp.Set(0)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}

// trackTemplates updates blk_height/coinbase_val from NewTemplate events
// regardless of session state; blk_version keeps the value set in New.
// It filters out events this Client
// itself may have published, per the bus's broadcast-cycle contract.
func (c *Client) trackTemplates(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Kind != events.NewTemplate {
				continue
			}
			c.stateMu.Lock()
			c.blkHeight = ev.Height
			c.coinbaseVal = ev.Fees + 312_500_000
			c.stateMu.Unlock()
		}
	}
}

func (c *Client) snapshotTemplate() (version uint32, height uint64, coinbaseVal uint64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.blkVersion, c.blkHeight, c.coinbaseVal
}

// runSession resolves the address, connects, performs the Noise handshake,
// and on success runs the session loop to completion.
func (c *Client) runSession(ctx context.Context, log *zap.Logger, sub *bus.Subscription) error {
	c.bus.Publish(events.NewSimple(events.PoolConnecting))

	conn, err := net.DialTimeout("tcp", c.cfg.PoolAddress, 10*time.Second)
	if err != nil {
		c.bus.Publish(events.NewSimple(events.PoolDown))
		return wrapErr(Transport, "connect failed", err)
	}
	defer conn.Close()

	c.bus.Publish(events.NewSimple(events.PoolUp))
	poolUp.Set(1)

	c.bus.Publish(events.NewSimple(events.Handshaking))
	codec, err := c.handshake(conn)
	if err != nil {
		handshakeFailures.Inc()
		c.bus.Publish(events.NewMessage(events.HandshakeErr, err.Error()))
		return err
	}
	c.bus.Publish(events.NewSimple(events.HandshakeDone))
	log.Info("handshake complete")

	err = c.sessionLoop(ctx, log, conn, codec, sub)
	if err != nil && !IsShutdown(err) {
		c.bus.Publish(events.NewMessage(events.Err, err.Error()))
	}
	return err
}

// handshake performs the initiator side of the NX pattern over conn.
func (c *Client) handshake(conn net.Conn) (*Codec, error) {
	hs, err := newInitiatorHandshake()
	if err != nil {
		return nil, wrapErr(Handshake, "failed to generate ephemeral key", err)
	}

	if _, err := conn.Write(hs.firstMessage()); err != nil {
		return nil, wrapErr(Handshake, "failed to send first message", err)
	}

	resp := make([]byte, responseLen)
	if _, err := readFull(conn, resp); err != nil {
		return nil, wrapErr(Handshake, "response too short", err)
	}

	return hs.finalize(resp)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sessionEntry is the declaration-side state scoped to one encrypted
// session: reset to NeedToken with no token and an empty pending table
// every time a new session begins.
type sessionEntry struct {
	declState DeclState
	token     []byte
	pending   map[uint32]*PendingDecl
	reqSeq    uint32
}

func newSessionEntry() *sessionEntry {
	return &sessionEntry{
		declState: NeedToken,
		pending:   make(map[uint32]*PendingDecl),
	}
}

func (s *sessionEntry) nextReq() uint32 {
	s.reqSeq++
	return s.reqSeq
}

// sessionLoop runs the three-way select over inbound frames, the outbound
// plaintext channel, and the bus, until the session ends.
func (c *Client) sessionLoop(ctx context.Context, log *zap.Logger, conn net.Conn, codec *Codec, sub *bus.Subscription) error {
	session := newSessionEntry()
	pendingDeclarations.Set(0)

	outboundCh := make(chan outboundFrame, outboundCapacity)
	framesCh, readErrCh := startReader(conn)

	// Session entry: request a token immediately.
	reqID := session.nextReq()
	session.declState = AwaitToken
	if err := c.sendMessage(outboundCh, MsgAllocToken, AllocToken{
		ReqID: reqID, User: "sv2-jdc", MinNonce2: 8,
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return newErr(Shutdown, "context cancelled")

		case err := <-readErrCh:
			return wrapErr(Transport, "read failed", err)

		case frame, ok := <-framesCh:
			if !ok {
				return newErr(Transport, "connection closed")
			}
			if err := c.dispatch(log, session, outboundCh, codec, frame); err != nil {
				return err
			}

		case out := <-outboundCh:
			ciphertext := out.payload
			if len(out.payload) > 0 {
				var err error
				ciphertext, err = codec.Encrypt(out.payload)
				if err != nil {
					return wrapErr(ChannelSend, "encrypt failed", err)
				}
			}
			frame := BuildFrame(DeclExt, out.msgType, ciphertext)
			if _, err := conn.Write(frame); err != nil {
				return wrapErr(Transport, "write failed", err)
			}

		case ev, ok := <-sub.C:
			if !ok {
				return newErr(Shutdown, "bus closed")
			}
			if err := c.handleEvent(log, session, outboundCh, ev); err != nil {
				return err
			}
		}
	}
}

// outboundFrame is a plaintext frame awaiting encryption and write.
type outboundFrame struct {
	msgType byte
	payload []byte
}

// serializer is implemented by every outbound Job Declaration message.
type serializer interface {
	Serialize() ([]byte, error)
}

func (c *Client) sendMessage(ch chan<- outboundFrame, msgType byte, msg serializer) error {
	payload, err := msg.Serialize()
	if err != nil {
		return err
	}
	select {
	case ch <- outboundFrame{msgType: msgType, payload: payload}:
		return nil
	default:
		return newErr(ChannelSend, "outbound channel full")
	}
}

// startReader spawns the socket-reading half of the session: it
// continuously reads from conn, feeds a FrameSplitter, and emits complete
// frames. It is the only goroutine that calls conn.Read.
func startReader(conn net.Conn) (<-chan Frame, <-chan error) {
	framesCh := make(chan Frame, outboundCapacity)
	errCh := make(chan error, 1)

	go func() {
		defer close(framesCh)
		var splitter FrameSplitter
		buf := make([]byte, 4096)

		for {
			n, err := conn.Read(buf)
			if n > 0 {
				splitter.Feed(buf[:n])
				for {
					frame, ok := splitter.Next()
					if !ok {
						break
					}
					framesCh <- frame
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	return framesCh, errCh
}

// dispatch handles one inbound, already-framed message: decrypt (when the
// payload is non-empty) then route by message type.
func (c *Client) dispatch(log *zap.Logger, session *sessionEntry, outboundCh chan outboundFrame, codec *Codec, frame Frame) error {
	payload := frame.Payload
	if len(payload) > 0 {
		plain, err := codec.Decrypt(payload)
		if err != nil {
			return wrapErr(Framing, "decrypt failed", err)
		}
		payload = plain
	}

	switch frame.Type {
	case MsgAllocTokenOk:
		msg, err := ParseAllocTokenOk(payload)
		if err != nil {
			return err
		}
		session.token = msg.Token
		session.declState = Ready
		tokensAllocated.Inc()
		c.bus.Publish(events.NewSimple(events.PoolUp))
		log.Info("token allocated", zap.Uint32("req_id", msg.ReqID))

	case MsgDeclJobOk:
		msg, err := ParseDeclJobOk(payload)
		if err != nil {
			return err
		}
		if len(msg.NewToken) > 0 {
			session.token = msg.NewToken
		}
		if pending, ok := session.pending[msg.ReqID]; ok {
			delete(session.pending, msg.ReqID)
			pendingDeclarations.Set(float64(len(session.pending)))
			declarationLatency.Observe(time.Since(pending.SentAt).Seconds())
			declarationsTotal.WithLabelValues("accepted").Inc()
			c.bus.Publish(events.Event{Kind: events.JobOk, TplID: pending.TplID, Token: session.token})
		}
		session.declState = Ready

	case MsgDeclJobErr:
		msg, err := ParseDeclJobErr(payload)
		if err != nil {
			return err
		}
		if pending, ok := session.pending[msg.ReqID]; ok {
			delete(session.pending, msg.ReqID)
			pendingDeclarations.Set(float64(len(session.pending)))
			declarationLatency.Observe(time.Since(pending.SentAt).Seconds())
			declarationsTotal.WithLabelValues("rejected").Inc()
			reason := fmt.Sprintf("%s: %s", ErrCodeName(msg.Code), msg.Details)
			c.bus.Publish(events.Event{Kind: events.JobFailed, TplID: pending.TplID, Message: reason})
		}
		session.declState = Ready

	case MsgIdentifyTxs:
		msg, err := ParseIdentifyTxs(payload)
		if err != nil {
			return err
		}
		pending, ok := session.pending[msg.ReqID]
		if !ok {
			return newErr(InvalidState, "IdentifyTxs for unknown req_id")
		}
		collected := make([][]byte, 0, len(msg.Positions))
		for _, pos := range msg.Positions {
			if int(pos) >= len(pending.Txs) {
				log.Warn("IdentifyTxs position out of range", zap.Uint16("position", pos))
				continue
			}
			collected = append(collected, pending.Txs[pos])
		}
		if err := c.sendMessage(outboundCh, MsgProvideTxs, ProvideTxs{
			ReqID: msg.ReqID, Txs: collected,
		}); err != nil {
			return err
		}
		session.declState = AwaitTx

	case MsgProvideTxsOk:
		if _, err := ParseProvideTxsOk(payload); err != nil {
			return err
		}
		log.Debug("tx upload acknowledged")

	default:
		log.Debug("unknown message type, ignoring", zap.Uint8("type", frame.Type))
	}

	return nil
}

// handleEvent processes bus events the Pool Client consumes: DeclareJob,
// NewTemplate (already tracked continuously; here only to be filtered),
// and Shutdown.
func (c *Client) handleEvent(log *zap.Logger, session *sessionEntry, outboundCh chan outboundFrame, ev events.Event) error {
	switch ev.Kind {
	case events.Shutdown:
		return newErr(Shutdown, "shutdown event")

	case events.DeclareJob:
		return c.declareJob(log, session, outboundCh, ev)

	default:
		// NewTemplate and this Client's own emissions are not actionable here.
		return nil
	}
}

// declareJob builds and queues a DeclJob frame, but only when the
// declaration state machine is Ready and a token is present; otherwise the
// event is silently ignored (no outbound frame, no pending entry).
func (c *Client) declareJob(log *zap.Logger, session *sessionEntry, outboundCh chan outboundFrame, ev events.Event) error {
	if session.declState != Ready || len(session.token) == 0 {
		return nil
	}

	reqID := session.nextReq()

	txids := make([]txmath_Hash, len(ev.RawTxs))
	shorts := make([]uint64, len(ev.RawTxs))
	for i, tx := range ev.RawTxs {
		txid := txidOf(tx)
		txids[i] = txid
		shorts[i] = shortHashOf(txid, c.cfg.HashNonce)
	}
	txListHash := listHashOf(ev.RawTxs)

	script := []byte{0x6A}
	if len(ev.Outputs) > 0 {
		script = ev.Outputs[0].ScriptPubKey
	}

	version, height, coinbaseVal := c.snapshotTemplate()
	cbPrefix := coinbase.BuildPrefix(version, int64(height), []byte("sv2-jdc"))
	cbSuffix := coinbase.BuildSuffix(coinbaseVal, script, nil)

	session.pending[reqID] = &PendingDecl{
		TplID:     ev.TplID,
		ReqID:     reqID,
		Txs:       ev.RawTxs,
		Txids:     txids,
		HashNonce: c.cfg.HashNonce,
		SentAt:    time.Now(),
	}
	pendingDeclarations.Set(float64(len(session.pending)))

	msg := DeclJob{
		ReqID: reqID, Token: session.token, Version: version,
		CbPrefix: cbPrefix, CbSuffix: cbSuffix, HashNonce: c.cfg.HashNonce,
		ShortHash: shorts, TxListHash: txListHash,
	}

	if err := c.sendMessage(outboundCh, MsgDeclJob, msg); err != nil {
		delete(session.pending, reqID)
		pendingDeclarations.Set(float64(len(session.pending)))
		return err
	}

	session.declState = Pending
	c.bus.Publish(events.Event{Kind: events.JobSent, TplID: ev.TplID, Txs: len(ev.RawTxs)})
	declarationsTotal.WithLabelValues("sent").Inc()
	log.Info("job sent", zap.Uint64("tpl_id", ev.TplID), zap.Int("txs", len(ev.RawTxs)))

	return nil
}

func txidOf(rawTx []byte) txmath_Hash {
	return txmath_Hash(txmath.CalcTxid(rawTx))
}

func shortHashOf(txid txmath_Hash, nonce uint64) uint64 {
	return txmath.CalcShortHash(chainhash.Hash(txid), nonce)
}

func listHashOf(rawTxs [][]byte) [32]byte {
	return txmath.CalcTxListHash(rawTxs)
}
