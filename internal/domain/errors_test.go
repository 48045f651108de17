package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorGRPCStatus(t *testing.T) {
	err := fmt.Errorf("create order: %w", Conflict("insufficient stock for %s", "Lamp"))

	st := StatusOf(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "insufficient stock for Lamp", st.Message())

	direct, ok := status.FromError(NotFound("order %d not found", 3))
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, direct.Code())
}

func TestStatusOf_UnknownErrors(t *testing.T) {
	st := StatusOf(errors.New("dial tcp 10.0.0.1:5432: connection refused"))
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal server error", st.Message())

	st = StatusOf(fmt.Errorf("load: %w", context.DeadlineExceeded))
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
}

func TestInternalErrorHidesDetail(t *testing.T) {
	err := Internal(errors.New("pq: relation \"orders\" does not exist"), "load order")

	st := err.GRPCStatus()
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal server error", st.Message())
	assert.Contains(t, err.Error(), "relation")
}

func TestKindOfAndIsBusiness(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindForbidden, KindOf(Forbidden("no")))
	assert.True(t, IsBusiness(NotFound("x")))
	assert.True(t, IsBusiness(Validation("x")))
	assert.False(t, IsBusiness(Unavailable(nil, "gateway down")))
	assert.False(t, IsBusiness(errors.New("boom")))
}
