package mlmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStatusTransition_AllowedEdges(t *testing.T) {
	tests := []struct {
		name string
		from ModelStatus
		to   ModelStatus
	}{
		{name: "draft to testing", from: StatusDraft, to: StatusTesting},
		{name: "testing to active", from: StatusTesting, to: StatusActive},
		{name: "active to deprecated", from: StatusActive, to: StatusDeprecated},
		{name: "deprecated to active rollback", from: StatusDeprecated, to: StatusActive},
		{name: "deprecated to archived", from: StatusDeprecated, to: StatusArchived},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, ValidateStatusTransition(tt.from, tt.to))
		})
	}
}

func TestValidateStatusTransition_SameStateIsIdempotent(t *testing.T) {
	for _, status := range []ModelStatus{
		StatusDraft, StatusTesting, StatusActive, StatusDeprecated, StatusArchived,
	} {
		assert.NoError(t, ValidateStatusTransition(status, status),
			"replaying %s should not error", status)
	}
}

func TestValidateStatusTransition_RejectedEdges(t *testing.T) {
	tests := []struct {
		name string
		from ModelStatus
		to   ModelStatus
	}{
		{name: "draft skips testing", from: StatusDraft, to: StatusActive},
		{name: "draft cannot deprecate", from: StatusDraft, to: StatusDeprecated},
		{name: "testing cannot revert to draft", from: StatusTesting, to: StatusDraft},
		{name: "active cannot archive directly", from: StatusActive, to: StatusArchived},
		{name: "active cannot revert to testing", from: StatusActive, to: StatusTesting},
		{name: "deprecated cannot revert to draft", from: StatusDeprecated, to: StatusDraft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusTransition(tt.from, tt.to)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestValidateStatusTransition_ArchivedIsTerminal(t *testing.T) {
	for _, to := range []ModelStatus{StatusDraft, StatusTesting, StatusActive, StatusDeprecated} {
		err := ValidateStatusTransition(StatusArchived, to)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrArchivedImmutable)
	}
}

func TestValidateStatusTransition_UnknownStatus(t *testing.T) {
	err := ValidateStatusTransition(ModelStatus("retired"), StatusActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = ValidateStatusTransition(StatusActive, ModelStatus(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
