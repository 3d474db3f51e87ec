package repository

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

func TestCommitFailureKeepsClassification(t *testing.T) {
	refreshErr := &domain.RefreshError{
		Kind:       domain.FailurePermanent,
		Code:       "invalid_grant",
		StatusCode: http.StatusBadRequest,
	}
	err := commitFailure(errors.New("broken pipe"), refreshErr)

	// A failed commit must not hide why the refresh itself failed.
	require.True(t, domain.IsPermanentRefreshFailure(err))
	var re *domain.RefreshError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "invalid_grant", re.Code)
	require.Contains(t, err.Error(), "broken pipe")
}

func TestCommitFailureTransient(t *testing.T) {
	refreshErr := &domain.RefreshError{Kind: domain.FailureTransient, StatusCode: http.StatusServiceUnavailable}
	err := commitFailure(errors.New("connection reset"), refreshErr)
	require.True(t, domain.IsTransientRefreshFailure(err))
	require.False(t, domain.IsPermanentRefreshFailure(err))
}
