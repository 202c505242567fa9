// Copyright 2025 The hivesync Authors
// This file is part of hivesync.
//
// hivesync is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// hivesync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with hivesync. If not, see <http://www.gnu.org/licenses/>.

// Package db wraps the relational store. A single writer owns the store;
// all component mutations run against an Execer so one transaction can
// bracket a block (live mode) or a batch of blocks (initial sync).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/go-sql-driver/mysql"
)

// Execer is the statement surface shared by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to the store. databaseURL is either a driver DSN or a
// mysql:// URL, which is normalized into a DSN.
func Open(databaseURL string) (*Store, error) {
	dsn, err := normalizeDSN(databaseURL)
	if err != nil {
		return nil, err
	}
	handle, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single logical writer; keep the pool small
	handle.SetMaxOpenConns(4)
	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("Database connected")
	return &Store{db: handle}, nil
}

// NewStore wraps an existing handle; used by tests.
func NewStore(handle *sql.DB) *Store {
	return &Store{db: handle}
}

// normalizeDSN converts a mysql:// URL into a go-sql-driver DSN and pins
// parseTime so DATETIME columns scan into time.Time.
func normalizeDSN(databaseURL string) (string, error) {
	if databaseURL == "" {
		return "", errors.New("database url undefined")
	}
	dsn := databaseURL
	if strings.HasPrefix(databaseURL, "mysql://") {
		u, err := url.Parse(databaseURL)
		if err != nil {
			return "", fmt.Errorf("parse database url: %w", err)
		}
		auth := u.User.Username()
		if pass, ok := u.User.Password(); ok {
			auth += ":" + pass
		}
		dsn = fmt.Sprintf("%s@tcp(%s)%s", auth, u.Host, u.Path)
	}
	if strings.Contains(dsn, "?") {
		dsn += "&parseTime=true"
	} else {
		dsn += "?parseTime=true"
	}
	return dsn, nil
}

// DB exposes the raw handle (implements Execer).
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens a write transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// QueryInt64 runs a single-value query; found is false on no rows or NULL.
func QueryInt64(ctx context.Context, e Execer, query string, args ...any) (val int64, found bool, err error) {
	var v sql.NullInt64
	err = e.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// QueryString runs a single-value query; found is false on no rows or NULL.
func QueryString(ctx context.Context, e Execer, query string, args ...any) (val string, found bool, err error) {
	var v sql.NullString
	err = e.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, v.Valid, nil
}
