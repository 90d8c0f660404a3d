package execution

import (
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

const maxSlippageRecords = 1000

// SlippageRecord is one realized fill compared with the quote it was priced
// from.
type SlippageRecord struct {
	TradeID       string          `json:"tradeId"`
	OrderID       string          `json:"orderId"`
	OrderType     types.OrderType `json:"orderType"`
	QuotedPrice   float64         `json:"quotedPrice"`
	ExecutedPrice float64         `json:"executedPrice"`
	Pips          float64         `json:"pips"`
	Breach        bool            `json:"breach"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SlippageLog keeps recent realized slippage.
type SlippageLog struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	records []SlippageRecord
}

// NewSlippageLog creates an empty log.
func NewSlippageLog(logger *zap.Logger) *SlippageLog {
	return &SlippageLog{logger: logger.Named("slippage")}
}

// Record appends a record, keeping the most recent entries.
func (l *SlippageLog) Record(r SlippageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, r)
	if len(l.records) > maxSlippageRecords {
		l.records = l.records[len(l.records)-maxSlippageRecords/2:]
	}

	l.logger.Debug("Slippage recorded",
		zap.String("order", r.OrderID),
		zap.Float64("pips", r.Pips),
		zap.Bool("breach", r.Breach))
}

// Recent returns up to limit of the latest records, oldest first.
func (l *SlippageLog) Recent(limit int) []SlippageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]SlippageRecord, limit)
	copy(out, l.records[len(l.records)-limit:])
	return out
}

// Average returns the mean slippage in pips over records newer than since.
func (l *SlippageLog) Average(since time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum, n := 0.0, 0
	for _, r := range l.records {
		if r.Timestamp.After(since) {
			sum += r.Pips
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
