package sizing

import (
	"sync"

	"github.com/atlas-desktop/fx-trader/pkg/utils"
)

// RiskLimits bound the per-trade risk fraction.
type RiskLimits struct {
	Floor   float64 `json:"floor" validate:"gt=0"`
	Ceiling float64 `json:"ceiling" validate:"gtefield=Floor,lte=1"`
}

// DefaultRiskLimits returns the floor and ceiling for max risk per trade.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		Floor:   0.005,
		Ceiling: 0.05,
	}
}

// RiskState is the account risk shared by the sizer (reader) and the
// feedback monitor (writer). All access goes through its methods.
type RiskState struct {
	mu              sync.RWMutex
	limits          RiskLimits
	accountBalance  float64
	currentDrawdown float64
	maxRiskPerTrade float64
}

// RiskSnapshot is a consistent copy of RiskState.
type RiskSnapshot struct {
	AccountBalance  float64 `json:"accountBalance"`
	CurrentDrawdown float64 `json:"currentDrawdown"`
	MaxRiskPerTrade float64 `json:"maxRiskPerTrade"`
}

// NewRiskState creates the shared state. maxRisk is clamped to limits.
func NewRiskState(balance, maxRisk float64, limits RiskLimits) *RiskState {
	return &RiskState{
		limits:          limits,
		accountBalance:  balance,
		maxRiskPerTrade: utils.Clamp(maxRisk, limits.Floor, limits.Ceiling),
	}
}

// Snapshot returns all fields read under one lock.
func (s *RiskState) Snapshot() RiskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RiskSnapshot{
		AccountBalance:  s.accountBalance,
		CurrentDrawdown: s.currentDrawdown,
		MaxRiskPerTrade: s.maxRiskPerTrade,
	}
}

// Limits returns the configured floor and ceiling.
func (s *RiskState) Limits() RiskLimits {
	return s.limits
}

// SetAccount records the latest balance and drawdown.
func (s *RiskState) SetAccount(balance, drawdown float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountBalance = balance
	s.currentDrawdown = utils.Clamp(drawdown, 0, 1)
}

// SetMaxRisk replaces max risk per trade, clamped to limits.
func (s *RiskState) SetMaxRisk(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRiskPerTrade = utils.Clamp(v, s.limits.Floor, s.limits.Ceiling)
	return s.maxRiskPerTrade
}

// ScaleMaxRisk multiplies max risk per trade by factor and clamps the
// result. It returns the previous and the new value.
func (s *RiskState) ScaleMaxRisk(factor float64) (before, after float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = s.maxRiskPerTrade
	s.maxRiskPerTrade = utils.Clamp(before*factor, s.limits.Floor, s.limits.Ceiling)
	return before, s.maxRiskPerTrade
}
