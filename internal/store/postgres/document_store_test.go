package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/repometrics/crawler/internal/crawler"
)

func TestUpsertCommitsDocuments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	docs := []crawler.Document{
		{ID: "doc-1", Kind: crawler.DocChange, Body: map[string]string{"title": "fix race"}},
		{ID: "doc-2", Kind: crawler.DocEvent, Body: map[string]string{"type": "ChangeReviewedEvent"}},
	}

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-1", "change", []byte(`{"title":"fix race"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-2", "event", []byte(`{"type":"ChangeReviewedEvent"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := store.Upsert(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, 2, res.Committed)
	require.Empty(t, res.Rejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsInvalidDocumentAndCommitsRest(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	docs := []crawler.Document{
		{ID: "doc-bad", Kind: crawler.DocEvent, Body: map[string]string{"x": "y"}},
		{ID: "doc-good", Kind: crawler.DocEvent, Body: map[string]string{"x": "y"}},
	}

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-bad", "event", []byte(`{"x":"y"}`)).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "check constraint violated"})
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-good", "event", []byte(`{"x":"y"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := store.Upsert(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, 1, res.Committed)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, "doc-bad", res.Rejected[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTransportFailureIsStoreUnavailable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-1", "change", []byte(`{"a":"b"}`)).
		WillReturnError(errors.New("connection refused"))

	_, err = store.Upsert(context.Background(), []crawler.Document{
		{ID: "doc-1", Kind: crawler.DocChange, Body: map[string]string{"a": "b"}},
	})
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	res, err := store.Upsert(context.Background(), []crawler.Document{
		{ID: "", Kind: crawler.DocChange, Body: map[string]string{}},
	})
	require.NoError(t, err)
	require.Zero(t, res.Committed)
	require.Len(t, res.Rejected, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
