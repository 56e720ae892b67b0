package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

type Engine struct {
	HealthServerAddr   string        `toml:"health_server_addr"`
	RefreshInterval    time.Duration `toml:"refresh_interval"`     // 链上/价格刷新周期
	TickInterval       time.Duration `toml:"tick_interval"`        // 本地倒计时步进周期
	ExpiryScanInterval time.Duration `toml:"expiry_scan_interval"` // 预授权到期扫描周期
	SnapshotRetention  time.Duration `toml:"snapshot_retention"`   // 已平仓快照保留时间
}

type Chain struct {
	RPCURL         string        `toml:"rpc_url"`
	VaultContract  string        `toml:"vault_contract"`
	OperatorKey    string        `toml:"operator_key"` // 为空时只读，不能发起平仓交易
	Confirmations  uint64        `toml:"confirmations"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type Oracle struct {
	AggregatorAddr string        `toml:"aggregator_addr"`
	StreamURL      string        `toml:"stream_url"`
	StaleAfter     time.Duration `toml:"stale_after"` // 流式价格超过该时长视为过期
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type Payment struct {
	Endpoint       string        `toml:"endpoint"`
	APIKey         string        `toml:"api_key"`
	Currency       string        `toml:"currency"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	MaxRetry       int           `toml:"max_retry"`
	RetryDelay     time.Duration `toml:"retry_delay"`
}

type MySQL struct {
	DSN                string   `toml:"dsn"`
	SlaveAddr          []string `toml:"slave_addr"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	SetConnMaxLifetime int      `toml:"set_conn_max_lifetime"`
	SetConnMaxIdleTime int      `toml:"set_conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

type NATS struct {
	Endpoint string `toml:"endpoint"`
}

type Logger struct {
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Config struct {
	Engine  Engine  `toml:"engine"`
	Chain   Chain   `toml:"chain"`
	Oracle  Oracle  `toml:"oracle"`
	Payment Payment `toml:"payment"`
	MySQL   MySQL   `toml:"mysql"`
	NATS    NATS    `toml:"nats"`
	Logger  Logger  `toml:"log"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Engine: Engine{
			HealthServerAddr:   "0.0.0.0:16810",
			RefreshInterval:    15 * time.Second,
			TickInterval:       time.Second,
			ExpiryScanInterval: 30 * time.Second,
			SnapshotRetention:  24 * time.Hour,
		},
		Chain: Chain{
			RPCURL:         "http://localhost:8545",
			Confirmations:  1,
			RequestTimeout: 10 * time.Second,
		},
		Oracle: Oracle{
			StaleAfter:     30 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Payment: Payment{
			Endpoint:       "https://api.processor.local",
			Currency:       "usd",
			RequestTimeout: 15 * time.Second,
			MaxRetry:       3,
			RetryDelay:     time.Second,
		},
		MySQL: MySQL{
			DSN:                "root:password@tcp(localhost:3306)/cardlev?charset=utf8mb4&parseTime=True&loc=Local",
			SlaveAddr:          []string{},
			MaxIdleConnections: 16,
			MaxOpenConnections: 64,
			SetConnMaxLifetime: 7200,
			SetConnMaxIdleTime: 3600,
			ProxyEnabled:       false,
			ProxyAddr:          "127.0.0.1:7890",
		},
		NATS: NATS{
			Endpoint: "nats://localhost:4222",
		},
		Logger: Logger{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
			Compress:   false,
			Console:    false,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
