/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/adslot/internal/db"
	"github.com/friendsincode/adslot/internal/models"
)

// SQL stores the gate in the slot_states table.
type SQL struct {
	db     *gorm.DB
	slotID string
	unitID string
}

// NewSQL wraps an already migrated database.
func NewSQL(database *gorm.DB, slotID, unitID string) *SQL {
	return &SQL{db: database, slotID: slotID, unitID: unitID}
}

// LastShown returns the zero time when the slot has never been shown.
func (s *SQL) LastShown(ctx context.Context) (time.Time, error) {
	var row models.SlotState
	err := s.db.WithContext(ctx).Where("id = ?", s.slotID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load slot state: %w", err)
	}
	if row.LastShownAt == nil {
		return time.Time{}, nil
	}
	return *row.LastShownAt, nil
}

// SaveLastShown records a completed show and bumps the show counter.
func (s *SQL) SaveLastShown(ctx context.Context, at time.Time) error {
	at = at.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SlotState
		err := tx.Where("id = ?", s.slotID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.SlotState{
				ID:          s.slotID,
				UnitID:      s.unitID,
				LastShownAt: &at,
				ShowCount:   1,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&row).Updates(map[string]any{
			"last_shown_at": at,
			"show_count":    gorm.Expr("show_count + ?", 1),
			"unit_id":       s.unitID,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("save slot state: %w", err)
	}
	return nil
}

// ShowCount returns how many dismissals have been recorded.
func (s *SQL) ShowCount(ctx context.Context) (int64, error) {
	var row models.SlotState
	err := s.db.WithContext(ctx).Where("id = ?", s.slotID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.ShowCount, err
}

// DB exposes the connection for pool metrics.
func (s *SQL) DB() *gorm.DB { return s.db }

// Close closes the underlying database.
func (s *SQL) Close() error {
	return db.Close(s.db)
}
