package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Options parameterise the on-chain transfer executor.
type Options struct {
	RPCURL        string
	TokenAddress  string
	PrivateKeyHex string
	ChainID       int64
	TokenDecimals int32
	Timeout       time.Duration
}

// Chain 通过以太坊 RPC 发送代币转账。
type Chain struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds a new on-chain executor.
func NewChain(opts Options, logger zerolog.Logger) *Chain {
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 18
	}
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain_executor").Logger()}
}

// ExecuteTransfer signs and broadcasts an ERC-20 transfer.
func (c *Chain) ExecuteTransfer(ctx context.Context, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	if c.opts.RPCURL == "" {
		return common.Hash{}, errors.New("ethereum rpc url not configured")
	}
	if c.opts.TokenAddress == "" {
		return common.Hash{}, errors.New("token contract address not configured")
	}
	if c.opts.PrivateKeyHex == "" {
		return common.Hash{}, errors.New("executor private key not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.opts.PrivateKeyHex, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse executor key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	units := amount.Shift(c.opts.TokenDecimals)
	if units.Sign() <= 0 || !units.IsInteger() {
		return common.Hash{}, fmt.Errorf("amount %s not representable in token units", amount)
	}

	payload, err := erc20ABI.Pack("transfer", to, units.BigInt())
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	token := common.HexToAddress(c.opts.TokenAddress)
	tx := types.NewTransaction(nonce, token, big.NewInt(0), 90_000, gasPrice, payload)

	chainID := big.NewInt(c.opts.ChainID)
	if c.opts.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return common.Hash{}, err
		}
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transfer: %w", err)
	}

	c.logger.Info().
		Str("tx", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Msg("transfer broadcast")

	return signed.Hash(), nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the underlying RPC connection.
func (c *Chain) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// DryRun logs approved transfers instead of broadcasting them. Used when
// no executor key is configured.
type DryRun struct {
	logger zerolog.Logger
}

// NewDryRun builds the logging executor.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{logger: logger.With().Str("component", "dryrun_executor").Logger()}
}

// ExecuteTransfer 只记录转账, 不上链。
func (d *DryRun) ExecuteTransfer(_ context.Context, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	hash := crypto.Keccak256Hash(to.Bytes(), []byte(amount.String()), []byte(time.Now().String()))
	d.logger.Info().
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Str("pseudo_tx", hash.Hex()).
		Msg("dry-run transfer recorded")
	return hash, nil
}
