package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/internal/testutil"
)

func TestTxOptions(t *testing.T) {
	assert.Equal(t, pgx.TxOptions{}, TxOptions(nil))

	tests := []struct {
		in   sql.TxOptions
		want pgx.TxOptions
	}{
		{sql.TxOptions{}, pgx.TxOptions{AccessMode: pgx.ReadWrite}},
		{sql.TxOptions{Isolation: sql.LevelSerializable}, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}},
		{sql.TxOptions{Isolation: sql.LevelSnapshot, ReadOnly: true}, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}},
		{sql.TxOptions{Isolation: sql.LevelWriteCommitted}, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}},
		{sql.TxOptions{Isolation: sql.LevelReadUncommitted}, pgx.TxOptions{IsoLevel: pgx.ReadUncommitted, AccessMode: pgx.ReadWrite}},
	}
	for _, tt := range tests {
		in := tt.in
		assert.Equal(t, tt.want, TxOptions(&in), "isolation %v", tt.in.Isolation)
	}
}

func TestWithPgxTx_RollsBackOnError(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS pgxutil_rollback_check (n int)`)
		require.NoError(t, err)
		defer func() {
			_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS pgxutil_rollback_check`)
		}()

		boom := errors.New("boom")
		err = WithPgxTx(ctx, db, TxConfig{Fn: func(tx pgx.Tx) error {
			if _, execErr := tx.Exec(ctx, `INSERT INTO pgxutil_rollback_check VALUES (1)`); execErr != nil {
				return execErr
			}
			return boom
		}})
		require.ErrorIs(t, err, boom)

		err = WithSQLTx(ctx, db, SQLTxConfig{Fn: func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx, `INSERT INTO pgxutil_rollback_check VALUES (2)`)
			return execErr
		}})
		require.NoError(t, err)

		var values []int
		rows, err := db.QueryContext(ctx, `SELECT n FROM pgxutil_rollback_check ORDER BY n`)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var n int
			require.NoError(t, rows.Scan(&n))
			values = append(values, n)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []int{2}, values)
	})
}
