package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

// conn resolves the transaction carried in ctx by the trm manager, or the pool
// when the call is not part of one.
type conn struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
}

func newConn(db *sql.DB) conn {
	return conn{db: db, getter: trmsql.DefaultCtxGetter}
}

func (c conn) tr(ctx context.Context) trmsql.Tr {
	return c.getter.DefaultTrOrDB(ctx, c.db)
}

// NewTxManager returns the transaction manager whose Do joins every repository
// call made with the context it hands out.
func NewTxManager(db *sql.DB) *manager.Manager {
	return manager.Must(trmsql.NewDefaultFactory(db))
}

func expectOneRow(res sql.Result, op string, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, none)
	}
	return nil
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func uuidStrings(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
