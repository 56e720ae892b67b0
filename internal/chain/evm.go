package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// 金库合约 ABI（仅引擎用到的两个方法）
const vaultABIJSON = `[
	{"name":"getPosition","type":"function","stateMutability":"view",
	 "inputs":[{"name":"wallet","type":"address"}],
	 "outputs":[
		{"name":"collateral","type":"uint256"},
		{"name":"supplied","type":"uint256"},
		{"name":"borrowed","type":"uint256"},
		{"name":"entryPrice","type":"uint256"},
		{"name":"preAuthExpiry","type":"uint256"},
		{"name":"active","type":"bool"},
		{"name":"preAuthCharged","type":"bool"},
		{"name":"paymentIntentId","type":"string"},
		{"name":"customerId","type":"string"},
		{"name":"paymentMethodId","type":"string"}]},
	{"name":"closePosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"wallet","type":"address"}],
	 "outputs":[]}
]`

// EVMClient 引擎实际使用的以太坊 RPC 子集
type EVMClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// DialEVMClient 初始化以太坊 RPC 客户端
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// VaultClient 金库合约的 EVM 实现
type VaultClient struct {
	client        EVMClient
	vault         common.Address
	vaultABI      abi.ABI
	operatorKey   *ecdsa.PrivateKey
	confirmations uint64
	timeout       time.Duration
}

// NewVaultClient 创建金库合约客户端
// operatorKeyHex 为空时只读（ClosePosition 返回错误）
func NewVaultClient(client EVMClient, vaultAddr string, operatorKeyHex string, confirmations uint64, timeout time.Duration) (*VaultClient, error) {
	if !common.IsHexAddress(vaultAddr) {
		return nil, fmt.Errorf("invalid vault contract address: %s", vaultAddr)
	}

	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}

	var key *ecdsa.PrivateKey
	if operatorKeyHex != "" {
		key, err = gethcrypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse operator key: %w", err)
		}
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &VaultClient{
		client:        client,
		vault:         common.HexToAddress(vaultAddr),
		vaultABI:      parsed,
		operatorKey:   key,
		confirmations: confirmations,
		timeout:       timeout,
	}, nil
}

var _ Client = (*VaultClient)(nil)

// GetPosition 读取钱包的链上仓位，无仓位时返回 nil
func (c *VaultClient) GetPosition(ctx context.Context, wallet string) (*RawPosition, error) {
	if !common.IsHexAddress(wallet) {
		return nil, &ChainError{Op: "getPosition", Err: fmt.Errorf("invalid wallet address: %s", wallet)}
	}

	input, err := c.vaultABI.Pack("getPosition", common.HexToAddress(wallet))
	if err != nil {
		return nil, &ChainError{Op: "getPosition", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.vault, Data: input}, nil)
	if err != nil {
		return nil, &ChainError{Op: "getPosition", Err: err}
	}

	values, err := c.vaultABI.Unpack("getPosition", out)
	if err != nil || len(values) != 10 {
		return nil, &ChainError{Op: "getPosition", Err: fmt.Errorf("unpack position: %w", err)}
	}

	collateral := values[0].(*big.Int)
	supplied := values[1].(*big.Int)
	borrowed := values[2].(*big.Int)
	entryPrice := values[3].(*big.Int)
	expiry := values[4].(*big.Int)
	active := values[5].(bool)
	charged := values[6].(bool)

	// 全零结构视为无仓位
	if !active && collateral.Sign() == 0 && supplied.Sign() == 0 && borrowed.Sign() == 0 {
		return nil, nil
	}

	return &RawPosition{
		Collateral:      collateral.String(),
		Supplied:        supplied.String(),
		Borrowed:        borrowed.String(),
		EntryPrice:      entryPrice.String(),
		PreAuthExpiry:   expiry.Int64(),
		Active:          active,
		PreAuthCharged:  charged,
		PaymentIntentID: values[7].(string),
		CustomerID:      values[8].(string),
		PaymentMethodID: values[9].(string),
	}, nil
}

// ClosePosition 提交平仓交易并等待确认
func (c *VaultClient) ClosePosition(ctx context.Context, wallet string) (*TxReceipt, error) {
	if c.operatorKey == nil {
		return nil, &ChainError{Op: "closePosition", Err: errors.New("operator key not configured")}
	}
	if !common.IsHexAddress(wallet) {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("invalid wallet address: %s", wallet)}
	}

	input, err := c.vaultABI.Pack("closePosition", common.HexToAddress(wallet))
	if err != nil {
		return nil, &ChainError{Op: "closePosition", Err: err}
	}

	from := gethcrypto.PubkeyToAddress(c.operatorKey.PublicKey)

	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("chain id: %w", err)}
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("gas price: %w", err)}
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.vault,
		Gas:      300_000,
		GasPrice: gasPrice,
		Data:     input,
	})

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.operatorKey)
	if err != nil {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("sign tx: %w", err)}
	}

	if err = c.client.SendTransaction(ctx, signed); err != nil {
		return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("send tx: %w", err)}
	}

	logger.Info().
		Str("wallet", wallet).
		Str("tx", signed.Hash().Hex()).
		Msg("close position transaction submitted")

	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	return &TxReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// waitReceipt 轮询回执并校验状态与确认数
func (c *VaultClient) waitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("fetch receipt: %w", err)}
		}

		if receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, &ChainError{Op: "closePosition", Err: fmt.Errorf("transaction %s reverted", txHash.Hex())}
			}
			if err = c.checkConfirmations(ctx, receipt); err != nil {
				return nil, err
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, &ChainError{Op: "closePosition", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *VaultClient) checkConfirmations(ctx context.Context, receipt *gethtypes.Receipt) error {
	if c.confirmations <= 1 {
		return nil
	}

	for {
		header, err := c.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return &ChainError{Op: "closePosition", Err: fmt.Errorf("fetch head: %w", err)}
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return &ChainError{Op: "closePosition", Err: ctx.Err()}
		case <-time.After(time.Second):
		}
	}
}
