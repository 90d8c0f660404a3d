package forecast

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitializeRuntime loads the onnxruntime shared library once per process.
// An empty libPath picks the platform default.
func InitializeRuntime(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			switch runtime.GOOS {
			case "windows":
				libPath = "onnxruntime.dll"
			case "darwin":
				libPath = "libonnxruntime.dylib"
			default:
				libPath = "/usr/lib/libonnxruntime.so"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Model is a sequence model predictor backed by an ONNX session. The
// session binds fixed input and output tensors, so calls are serialized.
type Model struct {
	logger *zap.Logger
	config types.ModelConfig

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewModel loads the model at config.Path. Any failure here is fatal to
// the predictor, not to the process.
func NewModel(logger *zap.Logger, config types.ModelConfig) (*Model, error) {
	if err := InitializeRuntime(config.LibraryPath); err != nil {
		return nil, types.NewFatalInitError("onnxruntime", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(config.Sequence), NumFeatures),
		make([]float32, config.Sequence*NumFeatures))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.Outputs)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(config.Path,
		[]string{config.InputName}, []string{config.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, types.NewFatalInitError("load model "+config.Path, err)
	}

	logger = logger.Named("forecast")
	logger.Info("Model loaded",
		zap.String("path", config.Path),
		zap.Int("sequence", config.Sequence),
		zap.Int("outputs", config.Outputs))

	return &Model{
		logger:  logger,
		config:  config,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Name identifies the model as a signal source.
func (m *Model) Name() string { return "sequence-model" }

// Predict scales the window and runs one inference.
func (m *Model) Predict(ctx context.Context, window []types.Candle) (types.Direction, error) {
	features, err := Features(window, m.config.Sequence)
	if err != nil {
		return types.Flat, err
	}
	if err := ctx.Err(); err != nil {
		return types.Flat, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return types.Flat, fmt.Errorf("model closed")
	}

	copy(m.input.GetData(), features)
	if err := m.session.Run(); err != nil {
		return types.Flat, fmt.Errorf("inference failed: %w", err)
	}
	out := make([]float32, len(m.output.GetData()))
	copy(out, m.output.GetData())

	lastClose := features[(m.config.Sequence-1)*NumFeatures+3]
	dir := Decide(out, lastClose, m.config.Deadband)
	m.logger.Debug("Model prediction", zap.Float32s("output", out), zap.String("direction", dir.String()))
	return dir, nil
}

// Close releases the session and its tensors.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
