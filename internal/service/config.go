package service

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config 进程全部配置
type Config struct {
	Mode       string              `mapstructure:"mode" yaml:"mode" default:"paper" validate:"oneof=paper live"`
	Log        LogConfig           `mapstructure:"log" yaml:"log"`
	Broker     BrokerConfig        `mapstructure:"broker" yaml:"broker"`
	Symbols    map[string][]string `mapstructure:"symbols" yaml:"symbols" validate:"required,min=1"`
	Streams    []string            `mapstructure:"streams" yaml:"streams" validate:"required,min=1"`
	Stream     StreamConfig        `mapstructure:"stream" yaml:"stream"`
	Consensus  ConsensusConfig     `mapstructure:"consensus" yaml:"consensus"`
	LLM        LLMConfig           `mapstructure:"llm" yaml:"llm"`
	Strategy   StrategyConfig      `mapstructure:"strategy" yaml:"strategy"`
	Timing     TimingConfig        `mapstructure:"timing" yaml:"timing"`
	Pipeline   PipelineConfig      `mapstructure:"pipeline" yaml:"pipeline"`
	Execution  ExecutionConfig     `mapstructure:"execution" yaml:"execution"`
	Features   FeaturesConfig      `mapstructure:"features" yaml:"features"`
	Redis      RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Clickhouse ClickhouseConfig    `mapstructure:"clickhouse" yaml:"clickhouse"`
	Kafka      KafkaConfig         `mapstructure:"kafka" yaml:"kafka"`
	Journal    JournalConfig       `mapstructure:"journal" yaml:"journal"`
	Server     ServerConfig        `mapstructure:"server" yaml:"server"`
	Profiling  ProfilingConfig     `mapstructure:"profiling" yaml:"profiling"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" default:"info"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// BrokerConfig 券商 REST 与凭证。凭证一般来自 .env
type BrokerConfig struct {
	KeyID     string        `mapstructure:"key_id" yaml:"key_id"`
	SecretKey string        `mapstructure:"secret_key" yaml:"-"`
	RESTURL   string        `mapstructure:"rest_url" yaml:"rest_url" default:"https://paper-api.alpaca.markets" validate:"url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" default:"10s"`
}

// StreamConfig 行情流配置。{feed} 占位符会被替换为推荐数据源
type StreamConfig struct {
	StocksURL              string        `mapstructure:"stocks_url" yaml:"stocks_url" default:"wss://stream.data.alpaca.markets/v2/{feed}"`
	CryptoURL              string        `mapstructure:"crypto_url" yaml:"crypto_url" default:"wss://stream.data.alpaca.markets/v1beta3/crypto/us"`
	OptionsURL             string        `mapstructure:"options_url" yaml:"options_url" default:"wss://stream.data.alpaca.markets/v1beta1/indicative"`
	NewsURL                string        `mapstructure:"news_url" yaml:"news_url" default:"wss://stream.data.alpaca.markets/v1beta1/news"`
	TradingURL             string        `mapstructure:"trading_url" yaml:"trading_url" default:"wss://paper-api.alpaca.markets/stream"`
	WindowSize             int           `mapstructure:"window_size" yaml:"window_size" default:"200" validate:"min=60"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures" default:"5" validate:"min=1"`
	WorkerBuffer           int           `mapstructure:"worker_buffer" yaml:"worker_buffer" default:"256" validate:"min=1"`
	BarInterval            time.Duration `mapstructure:"bar_interval" yaml:"bar_interval" default:"1m"`
	Backoff                Backoff       `mapstructure:"backoff" yaml:"backoff"`
}

// ModelConfig 单个 AI 模型，capability 决定其角色
type ModelConfig struct {
	ID         string `mapstructure:"id" yaml:"id" validate:"required"`
	Capability string `mapstructure:"capability" yaml:"capability"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" default:"5"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold" default:"3"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout" default:"60s"`
}

// ConsensusConfig 共识策略，支持热更新
type ConsensusConfig struct {
	Threshold    float64            `mapstructure:"threshold" yaml:"threshold" default:"0.6" validate:"gt=0,lte=1"`
	AIWeight     float64            `mapstructure:"ai_weight" yaml:"ai_weight" default:"0.4" validate:"gte=0,lte=1"`
	Rounds       int                `mapstructure:"rounds" yaml:"rounds" default:"1" validate:"min=1,max=5"`
	ModelTimeout time.Duration      `mapstructure:"model_timeout" yaml:"model_timeout" default:"15s"`
	CycleBudget  time.Duration      `mapstructure:"cycle_budget" yaml:"cycle_budget" default:"20s"`
	RoleWeights  map[string]float64 `mapstructure:"role_weights" yaml:"role_weights"`
	Models       []ModelConfig      `mapstructure:"models" yaml:"models" validate:"dive"`
	Breaker      BreakerConfig      `mapstructure:"breaker" yaml:"breaker"`
}

type LLMConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" default:"http://localhost:11434/v1"`
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens" default:"300"`
}

// StrategyConfig 数学评分参数
type StrategyConfig struct {
	BuyThreshold     float64            `mapstructure:"buy_threshold" yaml:"buy_threshold" default:"0.2"`
	SellThreshold    float64            `mapstructure:"sell_threshold" yaml:"sell_threshold" default:"-0.2"`
	RiskFreeRate     float64            `mapstructure:"risk_free_rate" yaml:"risk_free_rate" default:"0.05"`
	MarketReturn     float64            `mapstructure:"market_return" yaml:"market_return" default:"0.10"`
	PeriodsPerYear   float64            `mapstructure:"periods_per_year" yaml:"periods_per_year" default:"98280" validate:"gt=0"`
	DefaultBeta      float64            `mapstructure:"default_beta" yaml:"default_beta" default:"1.0"`
	Betas            map[string]float64 `mapstructure:"betas" yaml:"betas"`
	TargetAllocation float64            `mapstructure:"target_allocation" yaml:"target_allocation" default:"0.1" validate:"gt=0,lte=1"`
	KellyCap         float64            `mapstructure:"kelly_cap" yaml:"kelly_cap" default:"0.25" validate:"gt=0,lte=1"`
	TrendRSI         float64            `mapstructure:"trend_rsi" yaml:"trend_rsi" default:"60"`
	ATRVolThreshold  float64            `mapstructure:"atr_vol_threshold" yaml:"atr_vol_threshold" default:"0.0005"`
	AllocationWeight float64            `mapstructure:"allocation_weight" yaml:"allocation_weight" default:"0.25"`
	KellyWeight      float64            `mapstructure:"kelly_weight" yaml:"kelly_weight" default:"0.30"`
	CAPMWeight       float64            `mapstructure:"capm_weight" yaml:"capm_weight" default:"0.25"`
	RegimeWeight     float64            `mapstructure:"regime_weight" yaml:"regime_weight" default:"0.20"`
}

// TimingConfig 自适应节奏
type TimingConfig struct {
	Timezone       string             `mapstructure:"timezone" yaml:"timezone" default:"America/New_York"`
	BaseInterval   time.Duration      `mapstructure:"base_interval" yaml:"base_interval" default:"30s"`
	Multipliers    map[string]float64 `mapstructure:"multipliers" yaml:"multipliers"`
	SafetyMargin   float64            `mapstructure:"safety_margin" yaml:"safety_margin" default:"1.2" validate:"gte=1"`
	LatencyWindow  int                `mapstructure:"latency_window" yaml:"latency_window" default:"10" validate:"min=1"`
	MinInterval    time.Duration      `mapstructure:"min_interval" yaml:"min_interval" default:"5s"`
	MaxInterval    time.Duration      `mapstructure:"max_interval" yaml:"max_interval" default:"300s"`
	AllowSubSecond bool               `mapstructure:"allow_sub_second" yaml:"allow_sub_second"`
	SubSecondFloor time.Duration      `mapstructure:"sub_second_floor" yaml:"sub_second_floor" default:"250ms"`
}

// PipelineConfig 决策周期
type PipelineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" default:"4" validate:"min=1"`
	StaleAfter  time.Duration `mapstructure:"stale_after" yaml:"stale_after" default:"10m"`
}

// ExecutionConfig 下单与风控
type ExecutionConfig struct {
	DefaultKelly       float64       `mapstructure:"default_kelly" yaml:"default_kelly" default:"0.02" validate:"gt=0,lte=1"`
	MaxExposure        float64       `mapstructure:"max_exposure" yaml:"max_exposure" default:"0.1" validate:"gt=0,lte=1"`
	CooldownCycles     int           `mapstructure:"cooldown_cycles" yaml:"cooldown_cycles" default:"5" validate:"min=1"`
	FullExitConfidence float64       `mapstructure:"full_exit_confidence" yaml:"full_exit_confidence" default:"0.8"`
	ScaleOutFraction   float64       `mapstructure:"scale_out_fraction" yaml:"scale_out_fraction" default:"0.5" validate:"gt=0,lte=1"`
	FillTimeout        time.Duration `mapstructure:"fill_timeout" yaml:"fill_timeout" default:"30s"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" default:"1s"`
	SubmitRetryDelay   time.Duration `mapstructure:"submit_retry_delay" yaml:"submit_retry_delay" default:"500ms"`
	InitialCash        float64       `mapstructure:"initial_cash" yaml:"initial_cash" default:"100000"`
	ProfitTargetPct    float64       `mapstructure:"profit_target_pct" yaml:"profit_target_pct" default:"10" validate:"gte=0"` // 0 关闭
	StopLossPct        float64       `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct" default:"5" validate:"gte=0"`
	Simulate           bool          `mapstructure:"simulate" yaml:"simulate" default:"true"`
}

// FeaturesConfig 实盘专属功能开关
type FeaturesConfig struct {
	AdvancedLiveOnly bool `mapstructure:"advanced_live_only" yaml:"advanced_live_only" default:"true"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host" default:"localhost"`
	Port     int           `mapstructure:"port" yaml:"port" default:"6379"`
	Password string        `mapstructure:"password" yaml:"-"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix" default:"trader"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" default:"24h"`
}

type ClickhouseConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host" default:"localhost"`
	Port     int    `mapstructure:"port" yaml:"port" default:"9000"`
	User     string `mapstructure:"user" yaml:"user" default:"default"`
	Password string `mapstructure:"password" yaml:"-"`
	Database string `mapstructure:"database" yaml:"database" default:"trader"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers     []string `mapstructure:"brokers" yaml:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix" yaml:"topic_prefix" default:"trader"`
	Codec       string   `mapstructure:"codec" yaml:"codec" default:"json" validate:"oneof=json proto"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Driver  string `mapstructure:"driver" yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN     string `mapstructure:"dsn" yaml:"-"`
	Path    string `mapstructure:"path" yaml:"path" default:"data/journal.db"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" default:"true"`
	Host    string `mapstructure:"host" yaml:"host" default:"0.0.0.0"`
	Port    int    `mapstructure:"port" yaml:"port" default:"8080"`
}

type ProfilingConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	ServerAddress   string `mapstructure:"server_address" yaml:"server_address" default:"http://localhost:4040"`
	ApplicationName string `mapstructure:"application_name" yaml:"application_name" default:"consensus-trader"`
}

// IsLive 是否实盘
func (c *Config) IsLive() bool { return c.Mode == ModeLive }

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// ConfigLoader 持有 viper 实例，供热更新使用
type ConfigLoader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewConfigLoader path 可以是目录 (查找 config.yaml) 或具体文件
func NewConfigLoader(path string) *ConfigLoader {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容券商官方环境变量名
	_ = v.BindEnv("broker.key_id", "TRADER_BROKER_KEY_ID", "APCA_API_KEY_ID")
	_ = v.BindEnv("broker.secret_key", "TRADER_BROKER_SECRET_KEY", "APCA_API_SECRET_KEY")
	_ = v.BindEnv("llm.api_key", "TRADER_LLM_API_KEY")
	_ = v.BindEnv("redis.password", "TRADER_REDIS_PASSWORD")
	_ = v.BindEnv("clickhouse.password", "TRADER_CLICKHOUSE_PASSWORD")
	_ = v.BindEnv("journal.dsn", "TRADER_JOURNAL_DSN")

	return &ConfigLoader{v: v, validate: validator.New()}
}

// Load 读取、填充默认值并校验
func (l *ConfigLoader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file not found: %v", ErrConfig, err)
		}
		return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}
	return l.decode()
}

func (l *ConfigLoader) decode() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrConfig, err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	if err := cfg.Validate(l.validate); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 结构体校验加跨字段规则
func (c *Config) Validate(v *validator.Validate) error {
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.Strategy.SellThreshold >= c.Strategy.BuyThreshold {
		return fmt.Errorf("%w: strategy.sell_threshold must be below strategy.buy_threshold", ErrConfig)
	}
	if c.Timing.MaxInterval < c.Timing.MinInterval {
		return fmt.Errorf("%w: timing.max_interval below timing.min_interval", ErrConfig)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers required when kafka is enabled", ErrConfig)
	}
	if c.Journal.Enabled && c.Journal.Driver == "postgres" && c.Journal.DSN == "" {
		return fmt.Errorf("%w: journal.dsn required for postgres journal", ErrConfig)
	}
	return nil
}

// Watch 配置文件变化时重新解析，解析失败保留旧配置
func (l *ConfigLoader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			Logger.Warn("Config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		Logger.Info("Config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	cfg, err := NewConfigLoader(path).Load()
	if err != nil {
		return nil, err
	}
	GlobalConfig = *cfg
	return cfg, nil
}
