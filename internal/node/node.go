// Package node implements the Template Source: it polls a Bitcoin full
// node for block templates and turns them into NewTemplate/DeclareJob
// events on the shared bus.
package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/devvaansh/sv2-jdc/internal/bus"
	"github.com/devvaansh/sv2-jdc/internal/config"
	"github.com/devvaansh/sv2-jdc/internal/events"

	"github.com/btcsuite/btcd/btcjson"
	"go.uber.org/zap"
)

// Source periodically polls a Bitcoin node's getblocktemplate RPC and
// publishes the result as bus events. It never mines, validates, or
// selects transactions itself; it only reports what the node offers.
type Source struct {
	cfg        config.NodeConfig
	outputs    []events.CoinbaseOut
	bus        *bus.Bus
	logger     *zap.Logger
	httpClient *http.Client

	tplCounter uint64
	lastHeight int64
	up         int32
}

// New creates a Template Source against the given node RPC endpoint.
func New(cfg config.NodeConfig, outputs []events.CoinbaseOut, b *bus.Bus, logger *zap.Logger) *Source {
	return &Source{
		cfg:        cfg,
		outputs:    outputs,
		bus:        b,
		logger:     logger.Named("node"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run polls the node at the configured interval until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Source) poll(ctx context.Context) {
	tmpl, err := s.fetchTemplate(ctx)
	if err != nil {
		if atomic.CompareAndSwapInt32(&s.up, 1, 0) {
			s.bus.Publish(events.NewSimple(events.NodeDown))
		}
		s.bus.Publish(events.NewMessage(events.TemplateErr, err.Error()))
		s.logger.Warn("failed to fetch block template", zap.Error(err))
		return
	}

	if atomic.CompareAndSwapInt32(&s.up, 0, 1) {
		s.bus.Publish(events.NewSimple(events.NodeUp))
	}

	if tmpl.Height == s.lastHeight {
		return
	}
	s.lastHeight = tmpl.Height

	rawTxs := make([][]byte, 0, len(tmpl.Transactions))
	var fees uint64
	for _, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			s.logger.Warn("skipping template transaction with invalid hex", zap.Error(err))
			continue
		}
		rawTxs = append(rawTxs, raw)
		if tx.Fee > 0 {
			fees += uint64(tx.Fee)
		}
	}

	s.bus.Publish(events.Event{
		Kind:   events.NewTemplate,
		Height: uint64(tmpl.Height),
		Txs:    len(rawTxs),
		Fees:   fees,
	})

	tplID := atomic.AddUint64(&s.tplCounter, 1)
	s.bus.Publish(events.Event{
		Kind:    events.DeclareJob,
		TplID:   tplID,
		Outputs: s.outputs,
		RawTxs:  rawTxs,
	})
}

// rpcRequest is the standard Bitcoin Core JSON-RPC 1.0 envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// fetchTemplate calls getblocktemplate with the segwit rule, matching the
// request shape every segwit-aware miner sends.
func (s *Source) fetchTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	reqBody := rpcRequest{
		JSONRPC: "1.0",
		ID:      "jdc",
		Method:  "getblocktemplate",
		Params:  []interface{}{btcjson.TemplateRequest{Rules: []string{"segwit"}}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(s.cfg.RPCUser, s.cfg.RPCPassword)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var tmpl btcjson.GetBlockTemplateResult
	if err := json.Unmarshal(rpcResp.Result, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to decode template result: %w", err)
	}

	return &tmpl, nil
}
