package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/queue"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"
)

const erc721ABI = `[
 {"type":"function","name":"supportsInterface","stateMutability":"view","inputs":[{"name":"interfaceId","type":"bytes4"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"baseURI","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":true,"name":"tokenId","type":"uint256"}]},
 {"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[{"indexed":true,"name":"previousOwner","type":"address"},{"indexed":true,"name":"newOwner","type":"address"}]}
]`

// ERC721InterfaceID is the ERC-165 identifier of ERC-721.
var ERC721InterfaceID = [4]byte{0x80, 0xac, 0x58, 0xcd}

var (
	parsedABI      = mustParseABI(erc721ABI)
	TransferTopic  = parsedABI.Events["Transfer"].ID
	ownershipTopic = parsedABI.Events["OwnershipTransferred"].ID
	nullTopic      = common.BytesToHash(common.Address{}.Bytes())

	ErrNoCreationTx = errors.New("contract creation tx not found")
)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse erc721 abi: %v", err))
	}
	return a
}

// Transfer is a decoded ERC-721 Transfer event.
type Transfer struct {
	From    string
	To      string
	TokenID string
}

// CreationInfo describes the transaction that first assigned ownership
// of the contract.
type CreationInfo struct {
	Deployer    string
	Block       uint64
	TimestampMs int64
	TxHash      string
}

// ERC721 reads one ERC-721 contract. Every RPC request goes through the
// shared chain queue and is retried by the RPC classifier.
type ERC721 struct {
	chainID string
	address common.Address
	backend Backend
	queue   *queue.BoundedQueue
	retry   RetryPolicy

	mu      sync.Mutex
	baseURI *string
}

func NewERC721(chainID, address string, backend Backend, q *queue.BoundedQueue) (*ERC721, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	return &ERC721{
		chainID: chainID,
		address: common.HexToAddress(address),
		backend: backend,
		queue:   q,
		retry:   DefaultRetry,
	}, nil
}

// DetectERC721 reports whether the contract advertises ERC-721 through
// ERC-165. Call failures count as unsupported.
func DetectERC721(ctx context.Context, chainID, address string, backend Backend, q *queue.BoundedQueue) (*ERC721, error) {
	c, err := NewERC721(chainID, address, backend, q)
	if err != nil {
		return nil, err
	}
	ok, err := c.SupportsInterface(ctx, ERC721InterfaceID)
	if err != nil || !ok {
		return nil, fmt.Errorf("%s does not support a known token standard", c.Address())
	}
	return c, nil
}

func (c *ERC721) ChainID() string  { return c.chainID }
func (c *ERC721) Address() string  { return strings.ToLower(c.address.Hex()) }
func (c *ERC721) Standard() string { return models.TokenStandardERC721 }

func (c *ERC721) SupportsInterface(ctx context.Context, id [4]byte) (bool, error) {
	out, err := c.call(ctx, "supportsInterface", id)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	return ok && v, nil
}

// Owner returns the contract owner, or "" when owner() reverts or is not
// implemented.
func (c *ERC721) Owner(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "owner")
	if err != nil {
		if isCallException(err) {
			return "", nil
		}
		return "", err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", nil
	}
	return models.NormalizeAddress(addr.Hex()), nil
}

// TokenURI resolves the token's metadata URI. A non-empty baseURI() is
// preferred and joined with the token id; tokenURI(id) is the fallback.
func (c *ERC721) TokenURI(ctx context.Context, tokenID string) (string, error) {
	if base, err := c.baseURIFor(ctx); err == nil && base != "" {
		if u, err := url.Parse(base); err == nil {
			u.Path = path.Clean(u.Path + "/" + tokenID)
			return u.String(), nil
		}
	}

	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token id %q", tokenID)
	}
	out, err := c.call(ctx, "tokenURI", id)
	if err != nil {
		return "", fmt.Errorf("failed to get token uri: %w", err)
	}
	uri, _ := out[0].(string)
	if uri == "" {
		return "", errors.New("failed to get token uri")
	}
	return uri, nil
}

// baseURIFor caches both a found base URI and its absence.
func (c *ERC721) baseURIFor(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.baseURI
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	out, err := c.call(ctx, "baseURI")
	if err != nil {
		if isCallException(err) {
			empty := ""
			c.mu.Lock()
			c.baseURI = &empty
			c.mu.Unlock()
			return "", nil
		}
		return "", err
	}
	base, _ := out[0].(string)
	if base != "" {
		c.mu.Lock()
		c.baseURI = &base
		c.mu.Unlock()
	}
	return base, nil
}

// CreationInfo finds the first OwnershipTransferred event from the null
// address. This only works for Ownable contracts.
func (c *ERC721) CreationInfo(ctx context.Context) (CreationInfo, error) {
	logs, err := c.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{ownershipTopic}, {nullTopic}},
	})
	if err != nil {
		return CreationInfo{}, err
	}
	if len(logs) == 0 {
		return CreationInfo{}, fmt.Errorf("%w for %s on chain %s", ErrNoCreationTx, c.Address(), c.chainID)
	}
	first := logs[0]
	deployer, err := DecodeDeployer(first)
	if err != nil {
		return CreationInfo{}, err
	}
	ts, err := c.BlockTimestamp(ctx, first.BlockNumber)
	if err != nil {
		return CreationInfo{}, err
	}
	return CreationInfo{
		Deployer:    deployer,
		Block:       first.BlockNumber,
		TimestampMs: ts,
		TxHash:      first.TxHash.Hex(),
	}, nil
}

// Mints pages Transfer events from the null address starting at
// fromBlock, up to the last confirmed block.
func (c *ERC721) Mints(ctx context.Context, fromBlock uint64) (*Paginator, error) {
	head, err := queue.Run(ctx, c.queue, func(ctx context.Context) (uint64, error) {
		return Retry(ctx, c.retry, c.backend.BlockNumber)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get current block number: %w", err)
	}
	var maxBlock uint64
	if head > ConfirmationDepth {
		maxBlock = head - ConfirmationDepth
	}

	fetch := func(ctx context.Context, from, to uint64) ([]types.Log, error) {
		return queue.Run(ctx, c.queue, func(ctx context.Context) ([]types.Log, error) {
			return c.backend.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{c.address},
				Topics:    [][]common.Hash{{TransferTopic}, {nullTopic}},
			})
		})
	}
	return NewPaginator(fetch, fromBlock, maxBlock, PaginatorConfig{Retry: c.retry}), nil
}

// BlockTimestamp returns the block's timestamp in milliseconds.
func (c *ERC721) BlockTimestamp(ctx context.Context, block uint64) (int64, error) {
	h, err := queue.Run(ctx, c.queue, func(ctx context.Context) (*types.Header, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (*types.Header, error) {
			return c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		})
	})
	if err != nil {
		return 0, err
	}
	return int64(h.Time) * 1000, nil
}

// MintPrice splits the transaction value (in ether) across every Transfer
// log in its receipt, rounded to 4 decimals.
func (c *ERC721) MintPrice(ctx context.Context, txHash common.Hash) (float64, error) {
	tx, err := queue.Run(ctx, c.queue, func(ctx context.Context) (*types.Transaction, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (*types.Transaction, error) {
			tx, _, err := c.backend.TransactionByHash(ctx, txHash)
			return tx, err
		})
	})
	if err != nil {
		return 0, err
	}
	receipt, err := queue.Run(ctx, c.queue, func(ctx context.Context) (*types.Receipt, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (*types.Receipt, error) {
			return c.backend.TransactionReceipt(ctx, txHash)
		})
	})
	if err != nil {
		return 0, err
	}
	return PricePerMint(tx.Value(), receipt.Logs), nil
}

// PricePerMint is value (wei) in ether divided by the number of Transfer
// logs, rounded to 4 decimals.
func PricePerMint(value *big.Int, logs []*types.Log) float64 {
	var transfers int
	for _, l := range logs {
		if len(l.Topics) > 0 && IsTransfer(l.Topics[0]) {
			transfers++
		}
	}
	if transfers == 0 || value == nil {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(value), big.NewFloat(params.Ether)).Float64()
	return math.Round(10000*(eth/float64(transfers))) / 10000
}

func IsTransfer(topic common.Hash) bool { return topic == TransferTopic }

// DecodeTransfer decodes an ERC-721 Transfer log. All three indexed
// arguments are required.
func DecodeTransfer(l types.Log) (Transfer, error) {
	if len(l.Topics) != 4 || l.Topics[0] != TransferTopic {
		return Transfer{}, errors.New("failed to get token id from event")
	}
	return Transfer{
		From:    models.NormalizeAddress(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		To:      models.NormalizeAddress(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		TokenID: new(big.Int).SetBytes(l.Topics[3].Bytes()).String(),
	}, nil
}

// DecodeDeployer returns the new owner of an OwnershipTransferred log.
func DecodeDeployer(l types.Log) (string, error) {
	if len(l.Topics) != 3 || l.Topics[0] != ownershipTopic {
		return "", errors.New("not an OwnershipTransferred event")
	}
	return models.NormalizeAddress(common.BytesToAddress(l.Topics[2].Bytes()).Hex()), nil
}

func (c *ERC721) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return queue.Run(ctx, c.queue, func(ctx context.Context) ([]types.Log, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) ([]types.Log, error) {
			return c.backend.FilterLogs(ctx, q)
		})
	})
}

func (c *ERC721) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := queue.Run(ctx, c.queue, func(ctx context.Context) ([]byte, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
		})
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &callException{method: method}
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, &callException{method: method, err: err}
	}
	if len(out) == 0 {
		return nil, &callException{method: method}
	}
	return out, nil
}

// callException marks a call that reverted or returned undecodable data.
type callException struct {
	method string
	err    error
}

func (e *callException) Error() string {
	if e.err != nil {
		return fmt.Sprintf("call exception in %s: %v", e.method, e.err)
	}
	return fmt.Sprintf("call exception in %s", e.method)
}

func (e *callException) Unwrap() error { return e.err }

func isCallException(err error) bool {
	var ce *callException
	if errors.As(err, &ce) {
		return true
	}
	// Reverts surface as JSON-RPC code 3 with revert data.
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
