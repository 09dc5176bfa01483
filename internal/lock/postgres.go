// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres holds a transaction-scoped advisory lock. The transaction pins a
// pooled connection for the life of the lease; if the process dies the
// connection drops and Postgres releases the lock.
type Postgres struct {
	db  TxBeginner
	key int64
}

// NewPostgres returns an advisory lock on key.
func NewPostgres(db TxBeginner, key int64) *Postgres {
	return &Postgres{db: db, key: key}
}

// TryAcquire takes the advisory lock or returns ErrHeld.
func (p *Postgres) TryAcquire(ctx context.Context) (Lease, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, p.key).Scan(&ok); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = tx.Rollback(ctx)
		return nil, ErrHeld
	}
	return &pgLease{tx: tx}, nil
}

type pgLease struct {
	tx   pgx.Tx
	once sync.Once
	err  error
}

// Release ends the transaction, which drops the lock.
func (l *pgLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := l.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			l.err = fmt.Errorf("release advisory lock: %w", err)
		}
	})
	return l.err
}
