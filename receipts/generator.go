package receipts

import (
	"context"

	"paykit/types"
)

// Generator produces the method-specific invoice for a provisional receipt.
// Implementations wrap Lightning, on-chain, or any other rail; the engine
// only cares about the resulting invoice string.
type Generator interface {
	Generate(ctx context.Context, provisional types.Receipt) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, provisional types.Receipt) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, provisional types.Receipt) (string, error) {
	return f(ctx, provisional)
}
