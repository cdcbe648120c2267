package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Errorf(KindSchemaMismatch, "vitals.transform", "missing columns %v", []string{"temperature"})
	wrapped := fmt.Errorf("building features: %w", base)

	assert.True(t, Is(wrapped, KindSchemaMismatch))
	assert.False(t, Is(wrapped, KindShapeMismatch))
	assert.Equal(t, KindSchemaMismatch, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "temperature")
}

func TestNestedKinds(t *testing.T) {
	inner := E(KindExternalService, "archive.get", errors.New("connection refused"))
	outer := E(KindNotFound, "record.fetch", inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.True(t, Is(outer, KindExternalService))
}

func TestPlainErrorHasNoKind(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindMissingValue))
}
