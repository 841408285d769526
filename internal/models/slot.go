/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// SlotState persists the frequency gate for one ad slot.
type SlotState struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	UnitID      string `gorm:"type:varchar(128);index"`
	LastShownAt *time.Time
	ShowCount   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the table name across backends.
func (SlotState) TableName() string { return "slot_states" }
