package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/anchor"
)

// Client submits anchors to an EVM registry contract over JSON-RPC. The node
// at rpcURL signs eth_sendTransaction for the from account.
type Client struct {
	rpcURL   string
	chainID  string
	contract string
	from     string
	httpDo   func(*http.Request) (*http.Response, error)
	nextID   atomic.Int64
}

const maxResponseBytes = 4 * 1024 * 1024

func NewClient(rpcURL, chainID, contract, from string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("chain rpc url is required")
	}
	if !isAddress(contract) {
		return nil, errors.New("contract address must be a 0x-prefixed 20 byte hex address")
	}
	if !isAddress(from) {
		return nil, errors.New("from address must be a 0x-prefixed 20 byte hex address")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &Client{
		rpcURL:   strings.TrimRight(rpcURL, "/"),
		chainID:  chainID,
		contract: strings.ToLower(contract),
		from:     strings.ToLower(from),
		httpDo:   doer,
	}, nil
}

func (c *Client) EventTopic() string {
	return anchor.EventTopic()
}

func (c *Client) Publish(ctx context.Context, sub domain.AnchorSubmission) (domain.PublishReceipt, error) {
	data, err := anchor.EncodeAnchorCall(sub)
	if err != nil {
		return domain.PublishReceipt{}, &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: err}
	}
	tx := map[string]string{
		"from": c.from,
		"to":   c.contract,
		"data": "0x" + hex.EncodeToString(data),
	}
	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", []any{tx}, &txHash); err != nil {
		return domain.PublishReceipt{}, err
	}
	if txHash == "" {
		return domain.PublishReceipt{}, &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: errors.New("empty transaction hash")}
	}
	return domain.PublishReceipt{
		TxHash:          strings.ToLower(txHash),
		ChainID:         c.chainID,
		ContractAddress: c.contract,
	}, nil
}

func (c *Client) Receipt(ctx context.Context, txHash string) (*domain.ChainReceipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var receipt rpcReceipt
	if err := json.Unmarshal(trimmed, &receipt); err != nil {
		return nil, &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("decode receipt: %w", err)}
	}
	blockNumber, err := parseQuantity(receipt.BlockNumber)
	if err != nil {
		return nil, &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("block number: %w", err)}
	}
	out := &domain.ChainReceipt{
		Success:     receipt.Status == "0x1",
		BlockNumber: blockNumber,
		Raw:         append(json.RawMessage(nil), trimmed...),
	}
	for _, l := range receipt.Logs {
		idx, err := parseQuantity(l.LogIndex)
		if err != nil {
			return nil, &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("log index: %w", err)}
		}
		out.Logs = append(out.Logs, domain.ChainLog{
			Address:  strings.ToLower(l.Address),
			Topics:   l.Topics,
			Data:     l.Data,
			LogIndex: idx,
		})
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpDo(req)
	if err != nil {
		return &domain.ChainError{Code: errorToCode(ctx, err), Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &domain.ChainError{Code: errorToCode(ctx, err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ChainError{Code: statusToErrorCode(resp.StatusCode), Err: fmt.Errorf("%s: http status %d", method, resp.StatusCode)}
	}
	var decoded rpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("%s: decode response: %w", method, err)}
	}
	if decoded.Error != nil {
		return &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("%s: rpc error %d: %s", method, decoded.Error.Code, decoded.Error.Message)}
	}
	if result == nil {
		return nil
	}
	if raw, ok := result.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], decoded.Result...)
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return &domain.ChainError{Code: domain.AnchorErrorProviderError, Err: fmt.Errorf("%s: decode result: %w", method, err)}
	}
	return nil
}

func statusToErrorCode(code int) string {
	if code == http.StatusTooManyRequests {
		return domain.AnchorErrorRateLimit
	}
	if code >= 500 {
		return domain.AnchorErrorProvider5xx
	}
	return domain.AnchorErrorProviderError
}

func errorToCode(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.AnchorErrorTimeout
	}
	return domain.AnchorErrorNetwork
}

func parseQuantity(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if !strings.HasPrefix(v, "0x") {
		return 0, fmt.Errorf("quantity %q is not 0x-prefixed", v)
	}
	return strconv.ParseInt(v[2:], 16, 64)
}

func isAddress(v string) bool {
	if !strings.HasPrefix(v, "0x") || len(v) != 42 {
		return false
	}
	_, err := hex.DecodeString(v[2:])
	return err == nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcReceipt struct {
	Status      string   `json:"status"`
	BlockNumber string   `json:"blockNumber"`
	Logs        []rpcLog `json:"logs"`
}

type rpcLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex string   `json:"logIndex"`
}
