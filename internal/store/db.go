// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// State wraps the GORM handle for the metadata store. Every
// multi-row mutation required by spec.md §4.10 goes through
// State.Transaction rather than issuing bare statements.
type State struct {
	DB *gorm.DB
}

// InitDB opens dbType ("sqlite" or "postgres") against dsn,
// auto-migrates every model, and returns a ready State, using the
// same type-string driver-selector pattern as the rest of this
// codebase's configuration loaders.
func InitDB(dbType, dsn string) (*State, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &State{DB: db}, nil
}

// Transaction runs fn inside a single GORM transaction, rolling back
// on any returned error. It is the single chokepoint every
// multi-row mutation in this package uses, per spec.md §4.10's
// "must be one transaction" requirements.
func (s *State) Transaction(fn func(tx *gorm.DB) error) error {
	return s.DB.Transaction(fn)
}
