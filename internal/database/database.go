// Package database opens the Postgres pool shared by gorm and river.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"browserd/internal/models"
)

// DB holds one pgx pool and the gorm handle built on it.
type DB struct {
	Pool *pgxpool.Pool
	Gorm *gorm.DB
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	pgxConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize gorm with shared pool: %w", err)
	}
	return &DB{Pool: pool, Gorm: db}, nil
}

// Migrate creates or updates the service tables.
func (d *DB) Migrate() error {
	if err := d.Gorm.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	slog.Info("Database schema up to date")
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

func (d *DB) Close() {
	if sqlDB, err := d.Gorm.DB(); err == nil {
		sqlDB.Close()
	}
	d.Pool.Close()
}
