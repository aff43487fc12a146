package apperr

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientStockNamesProduct(t *testing.T) {
	err := InsufficientStock(7, "Coffee Beans", 3, 1)

	assert.Equal(t, KindInsufficientStock, err.Kind)
	assert.Contains(t, err.Message, "Coffee Beans")
	assert.Equal(t, 3, err.Details["requested"])
	assert.Equal(t, 1, err.Details["available"])
}

func TestProductUnavailableFallsBackToID(t *testing.T) {
	err := ProductUnavailable(42, "")
	assert.Contains(t, err.Message, "#42")
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := NotFound("order", 1)
	wrapped := fmt.Errorf("cancel: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(nil, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(sql.ErrConnDone))
}

func TestWrapKeepsClassifiedErrors(t *testing.T) {
	classified := Validation("cart is empty")
	assert.Same(t, classified, Wrap(classified))

	wrapped := Wrap(sql.ErrConnDone)
	require.Error(t, wrapped)
	assert.Equal(t, KindInternal, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, sql.ErrConnDone))
	assert.Nil(t, Wrap(nil))
}

func TestInternalHidesCauseFromMessage(t *testing.T) {
	err := Internal(errors.New("pq: connection refused"))
	assert.Equal(t, "internal error", err.Message)
	assert.Contains(t, err.Error(), "connection refused")
}
