package types

import "time"

// AppConfig holds process-level settings: the traded symbol, collaborator
// endpoints and storage locations. Component tuning lives with each
// component's own config struct.
type AppConfig struct {
	Symbol       string           `json:"symbol" default:"EURUSD" validate:"required"`
	Timeframe    string           `json:"timeframe" default:"1m" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	LogLevel     string           `json:"logLevel" default:"info" validate:"oneof=debug info warn error"`
	DataDir      string           `json:"dataDir" default:"./data"`
	ReportDir    string           `json:"reportDir" default:"./reports"`
	HTTPAddr     string           `json:"httpAddr" default:":8080"`
	BackfillDays int              `json:"backfillDays" default:"30" validate:"gte=0,lte=3650"`
	Paper        bool             `json:"paper" default:"true"`
	InitialCash  float64          `json:"initialCash" default:"10000" validate:"gt=0"`
	Feed         FeedConfig       `json:"feed"`
	Calendar     CalendarConfig   `json:"calendar"`
	ClickHouse   ClickHouseConfig `json:"clickhouse"`
	Kafka        KafkaConfig      `json:"kafka"`
	Model        ModelConfig      `json:"model"`
}

// FeedConfig points at the kline REST endpoint.
type FeedConfig struct {
	BaseURL string        `json:"baseUrl" default:"https://api.binance.com" validate:"required,url"`
	Path    string        `json:"path" default:"/api/v3/klines"`
	Timeout time.Duration `json:"timeout" default:"10s"`
}

// CalendarConfig points at the economic calendar and its cache.
type CalendarConfig struct {
	BaseURL   string        `json:"baseUrl" default:"https://api.tradingeconomics.com" validate:"required,url"`
	APIKey    string        `json:"apiKey"`
	Countries []string      `json:"countries" default:"[\"United States\",\"Euro Area\"]"`
	RedisAddr string        `json:"redisAddr"`
	CacheTTL  time.Duration `json:"cacheTtl" default:"15m"`
	Timeout   time.Duration `json:"timeout" default:"10s"`
}

// ClickHouseConfig enables columnar persistence when DSN is set.
type ClickHouseConfig struct {
	DSN string `json:"dsn"`
}

// KafkaConfig enables the execution journal when brokers are set.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" default:"fx-trader.journal"`
}

// ModelConfig enables the sequence-model predictor when Path is set.
type ModelConfig struct {
	Path        string  `json:"path"`
	LibraryPath string  `json:"libraryPath"`
	Sequence    int     `json:"sequence" default:"60" validate:"gt=0"`
	InputName   string  `json:"inputName" default:"input"`
	OutputName  string  `json:"outputName" default:"output"`
	Outputs     int     `json:"outputs" default:"1" validate:"oneof=1 3"` // 1: next scaled close, 3: short/flat/long scores
	Deadband    float64 `json:"deadband" default:"0.05" validate:"gte=0,lt=1"`
}
