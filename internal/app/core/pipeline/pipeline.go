// Package pipeline declares the contract domain code implements to be
// driven by the orchestration core. Nothing in this package
// depends on FINRA parsing, analytics math, or any other domain-specific
// logic; those live with the domain pipelines themselves.
package pipeline

import (
	"context"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// RunResult is the outcome domain code reports back to the Dispatcher.
type RunResult struct {
	Status        domain.ExecutionStatus
	Metrics       map[string]any
	RowsProcessed int64
	Error         *domain.ExecutionError
}

// Pipeline is implemented by domain code and discovered at runtime by the
// Registry. Run must poll ctx for cancellation at its own suspension
// points.
type Pipeline interface {
	Describe() domain.PipelineSpec
	Run(ctx context.Context, params map[string]any, executionID string, captureID domain.CaptureID, log *logger.Logger) RunResult
}

// Factory constructs a Pipeline instance. Pipelines are registered as
// factories so a fresh instance (or a shared singleton, at the factory's
// discretion) can be produced per run.
type Factory func() Pipeline
