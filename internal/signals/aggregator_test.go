package signals_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/signals"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

type fixedPredictor struct {
	name      string
	dir       types.Direction
	err       error
	refreshed int
}

func (f *fixedPredictor) Name() string { return f.name }

func (f *fixedPredictor) Predict(ctx context.Context, window []types.Candle) (types.Direction, error) {
	return f.dir, f.err
}

func (f *fixedPredictor) Refresh(ctx context.Context) error {
	f.refreshed++
	return nil
}

type plainPredictor struct{ name string }

func (p plainPredictor) Name() string { return p.name }

func (p plainPredictor) Predict(ctx context.Context, window []types.Candle) (types.Direction, error) {
	return types.Flat, nil
}

func window(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Time: time.Unix(int64(i*60), 0), Symbol: "EURUSD", Close: 1.1}
	}
	return out
}

func newAggregator(config signals.AggregatorConfig, predictors ...signals.Predictor) *signals.Aggregator {
	a := signals.NewAggregator(zap.NewNop(), config, nil)
	for _, p := range predictors {
		a.AddPredictor(p)
	}
	return a
}

func TestAggregateNeedsWindow(t *testing.T) {
	a := newAggregator(signals.DefaultAggregatorConfig(), &fixedPredictor{name: "a", dir: types.Long})
	_, err := a.Aggregate(context.Background(), window(10))
	if !types.IsKind(err, types.KindInsufficientData) {
		t.Errorf("Expected insufficient data, got %v", err)
	}
}

func TestAggregateVoting(t *testing.T) {
	tests := []struct {
		name  string
		votes []types.Direction
		want  types.Direction
	}{
		{"majority long", []types.Direction{types.Long, types.Long, types.Flat}, types.Long},
		{"majority short", []types.Direction{types.Short, types.Short, types.Short, types.Flat}, types.Short},
		{"even split at threshold", []types.Direction{types.Short, types.Short, types.Short, types.Long}, types.Flat},
		{"split", []types.Direction{types.Long, types.Short, types.Flat}, types.Flat},
		{"single of three", []types.Direction{types.Long, types.Flat, types.Flat}, types.Flat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var predictors []signals.Predictor
			for i, d := range tt.votes {
				predictors = append(predictors, &fixedPredictor{name: string(rune('a' + i)), dir: d})
			}
			a := newAggregator(signals.DefaultAggregatorConfig(), predictors...)

			sig, err := a.Aggregate(context.Background(), window(60))
			if err != nil {
				t.Fatalf("Aggregate failed: %v", err)
			}
			if sig.Direction != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, sig.Direction)
			}
			if sig.Votes != len(tt.votes) {
				t.Errorf("Expected %d votes, got %d", len(tt.votes), sig.Votes)
			}
		})
	}
}

func TestWeightsFollowAgreement(t *testing.T) {
	config := signals.DefaultAggregatorConfig()
	config.Threshold = 0.2
	a := newAggregator(config,
		&fixedPredictor{name: "trend", dir: types.Long},
		&fixedPredictor{name: "lstm", dir: types.Long},
		&fixedPredictor{name: "contrarian", dir: types.Short},
		&fixedPredictor{name: "idle", dir: types.Flat})

	for i := 0; i < 10; i++ {
		sig, err := a.Aggregate(context.Background(), window(60))
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		if sig.Direction != types.Long {
			t.Fatalf("round %d: expected long, got %s", i, sig.Direction)
		}
	}

	w := a.Weights()
	if w["trend"] != 0.9 || w["lstm"] != 0.9 {
		t.Errorf("Expected agreeing weights capped at 0.9, got %v", w)
	}
	if w["contrarian"] != 0.1 {
		t.Errorf("Expected disagreeing weight floored at 0.1, got %v", w)
	}
	if w["idle"] != 0.5 {
		t.Errorf("Expected abstaining weight unchanged, got %v", w)
	}
}

func TestFailedPredictorsAreExcluded(t *testing.T) {
	a := newAggregator(signals.DefaultAggregatorConfig(),
		&fixedPredictor{name: "ok", dir: types.Long},
		&fixedPredictor{name: "broken", err: errors.New("model not loaded")})

	sig, err := a.Aggregate(context.Background(), window(60))
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if sig.Direction != types.Long || sig.Votes != 1 {
		t.Errorf("Expected long from one vote, got %+v", sig)
	}
	decision, ok := a.Last()
	if !ok || decision.Votes[1].Error == "" || math.Abs(decision.Score-1) > 1e-12 {
		t.Errorf("Unexpected decision %+v", decision)
	}
}

func TestNoVotesIsTransient(t *testing.T) {
	a := newAggregator(signals.DefaultAggregatorConfig(),
		&fixedPredictor{name: "broken", err: errors.New("timeout")})

	_, err := a.Aggregate(context.Background(), window(60))
	if !types.IsKind(err, types.KindTransientIO) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestAggregateOnPool(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("predictors"))
	pool.Start()
	defer pool.Stop()

	a := signals.NewAggregator(zap.NewNop(), signals.DefaultAggregatorConfig(), pool)
	for _, name := range []string{"a", "b", "c"} {
		a.AddPredictor(&fixedPredictor{name: name, dir: types.Short})
	}
	sig, err := a.Aggregate(context.Background(), window(60))
	if err != nil || sig.Direction != types.Short || sig.Votes != 3 {
		t.Errorf("Expected unanimous short, got %+v %v", sig, err)
	}
}

func TestRefreshReachesRefreshers(t *testing.T) {
	refreshable := &fixedPredictor{name: "lstm"}
	a := newAggregator(signals.DefaultAggregatorConfig(), refreshable, plainPredictor{name: "sentiment"})

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshable.refreshed != 1 {
		t.Errorf("Expected one refresh, got %d", refreshable.refreshed)
	}
}
