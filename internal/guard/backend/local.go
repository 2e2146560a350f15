package backend

import (
	"context"
	"fmt"
	"sync"
)

// ModelRunner is the seam between Local and an actual in-process inference
// runtime. cmd/thrallguard wires in no loader, so there the local backend
// fails its first load; tests supply a fake.
type ModelRunner interface {
	Generate(system, user string, maxTokens int, temperature float64) (string, error)
}

// ModelLoader constructs a ModelRunner from a weights path. It is called at
// most once per process per Local instance.
type ModelLoader func(modelPath string, nThreads, nCtx int) (ModelRunner, error)

// Local runs inference in-process against a lazily loaded model. Loading is
// guarded by a mutex and a permanent load-failed latch; every call takes the
// mutex, with no lock-free fast path once the model is loaded. Inference
// is serialized through a second lock because most in-process
// model runtimes are not reentrant.
type Local struct {
	modelPath string
	nThreads  int
	nCtx      int
	maxTokens int
	loader    ModelLoader

	loadMu    sync.Mutex
	runner    ModelRunner
	loadErr   error // permanent once set

	inferMu sync.Mutex
}

// NewLocal builds a Local backend. loader is injected so the guard never
// hard-wires a specific model runtime; a nil loader means the backend is
// configured but has nothing to load, which surfaces as a load error on
// first use rather than at construction.
func NewLocal(modelPath string, nThreads, nCtx, maxTokens int, loader ModelLoader) *Local {
	return &Local{
		modelPath: modelPath,
		nThreads:  nThreads,
		nCtx:      nCtx,
		maxTokens: maxTokens,
		loader:    loader,
	}
}

func (l *Local) Name() string { return "local" }

// IsAvailable reports true once a model is loaded, false if loading has
// permanently failed, and otherwise whether a model path is configured at
// all (a load has not yet been attempted).
func (l *Local) IsAvailable() bool {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	if l.runner != nil {
		return true
	}
	if l.loadErr != nil {
		return false
	}
	return l.modelPath != ""
}

func (l *Local) ensureLoaded() (ModelRunner, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	if l.runner != nil {
		return l.runner, nil
	}
	if l.loadErr != nil {
		return nil, fmt.Errorf("local model load previously failed: %w", l.loadErr)
	}
	if l.modelPath == "" {
		l.loadErr = fmt.Errorf("no model path configured")
		return nil, l.loadErr
	}
	if l.loader == nil {
		l.loadErr = fmt.Errorf("no model loader configured")
		return nil, l.loadErr
	}

	runner, err := l.loader(l.modelPath, l.nThreads, l.nCtx)
	if err != nil {
		l.loadErr = err
		return nil, fmt.Errorf("load local model %s: %w", l.modelPath, err)
	}
	l.runner = runner
	return runner, nil
}

// Infer loads the model on first use and serializes calls through a single
// inference lock, since loaded model runtimes are typically not safe for
// concurrent calls.
func (l *Local) Infer(_ context.Context, system, user string) (string, error) {
	runner, err := l.ensureLoaded()
	if err != nil {
		return "", err
	}

	l.inferMu.Lock()
	defer l.inferMu.Unlock()

	text, err := runner.Generate(system, user, l.maxTokens, 0.1)
	if err != nil {
		return "", fmt.Errorf("local inference: %w", err)
	}
	return text, nil
}
