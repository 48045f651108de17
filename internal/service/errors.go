package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/repository"
)

// translate turns a store failure into the error returned to callers.
// Domain errors pass through untouched.
func translate(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, repository.ErrSerialization) {
		slog.WarnContext(ctx, "transaction conflicted with a concurrent update", "op", op, "error", err)
		return domain.Unavailable(err, "%s conflicted with a concurrent update, please retry", op)
	}
	slog.ErrorContext(ctx, "operation failed", "op", op, "error", err)
	return domain.Internal(err, "%s failed", op)
}
