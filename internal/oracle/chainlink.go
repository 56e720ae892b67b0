package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// 喂价聚合合约 ABI（Chainlink AggregatorV3 接口）
const aggregatorABIJSON = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]}
]`

// ContractCaller 聚合器实际使用的 RPC 子集
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AggregatorClient 链上喂价聚合器读取器，answer 为 1e8 刻度
type AggregatorClient struct {
	client     ContractCaller
	aggregator common.Address
	abi        abi.ABI
	staleAfter time.Duration
	timeout    time.Duration
	nowFn      func() time.Time
}

// NewAggregatorClient 创建聚合器客户端
func NewAggregatorClient(client ContractCaller, aggregatorAddr string, staleAfter, timeout time.Duration) (*AggregatorClient, error) {
	if !common.IsHexAddress(aggregatorAddr) {
		return nil, fmt.Errorf("invalid aggregator address: %s", aggregatorAddr)
	}

	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &AggregatorClient{
		client:     client,
		aggregator: common.HexToAddress(aggregatorAddr),
		abi:        parsed,
		staleAfter: staleAfter,
		timeout:    timeout,
		nowFn:      time.Now,
	}, nil
}

var _ Client = (*AggregatorClient)(nil)

// GetPrice 读取最新一轮喂价
// answer <= 0 或该轮数据过期均视为价格源异常
func (c *AggregatorClient) GetPrice(ctx context.Context, asset string) (string, error) {
	input, err := c.abi.Pack("latestRoundData")
	if err != nil {
		return "", &OracleError{Asset: asset, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.aggregator, Data: input}, nil)
	if err != nil {
		return "", &OracleError{Asset: asset, Err: err}
	}

	values, err := c.abi.Unpack("latestRoundData", out)
	if err != nil || len(values) != 5 {
		return "", &OracleError{Asset: asset, Err: fmt.Errorf("unpack round data: %w", err)}
	}

	answer := values[1].(*big.Int)
	updatedAt := values[3].(*big.Int)

	if answer.Sign() <= 0 {
		return "", &OracleError{Asset: asset, Err: fmt.Errorf("non-positive answer: %s", answer)}
	}

	if c.staleAfter > 0 {
		age := c.nowFn().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > c.staleAfter {
			return "", &OracleError{Asset: asset, Err: fmt.Errorf("round stale: updated %v ago", age)}
		}
	}

	return answer.String(), nil
}
