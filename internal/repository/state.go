// Package repository persists the last known device state used as a cold
// start fallback for the shadow.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prite36/irrigation-shadow/internal/models"
	"github.com/prite36/irrigation-shadow/internal/protocol"
)

// idleState is stored for devices first seen through a bare acknowledgement.
var idleState = protocol.StateSnapshot{
	ManualWatering: protocol.ManualWatering{Status: protocol.StatusIdle},
}

// StateRepository reads and writes models.DeviceState rows.
type StateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Migrate creates or updates the device_states table.
func (r *StateRepository) Migrate() error {
	return r.db.AutoMigrate(&models.DeviceState{})
}

// UpsertState stores snap as the device's last known state.
func (r *StateRepository) UpsertState(ctx context.Context, deviceID string, snap protocol.StateSnapshot, updatedAt time.Time) error {
	payload, err := protocol.EncodeState(snap)
	if err != nil {
		return err
	}

	row := models.DeviceState{
		DeviceID:  deviceID,
		StateJSON: string(payload),
		UpdatedAt: updatedAt.UTC(),
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert state for %s: %w", deviceID, err)
	}

	return nil
}

// GetState returns the device's row, or nil when none exists.
func (r *StateRepository) GetState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	var row models.DeviceState

	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get state for %s: %w", deviceID, err)
	}

	return &row, nil
}

// Touch bumps updated_at for the device, creating an idle row if needed.
func (r *StateRepository) Touch(ctx context.Context, deviceID string, now time.Time) error {
	payload, err := protocol.EncodeState(idleState)
	if err != nil {
		return err
	}

	row := models.DeviceState{
		DeviceID:  deviceID,
		StateJSON: string(payload),
		UpdatedAt: now.UTC(),
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("touch state for %s: %w", deviceID, err)
	}

	return nil
}

// Snapshot decodes the stored state of row.
func Snapshot(row *models.DeviceState) (protocol.StateSnapshot, error) {
	return protocol.DecodeState([]byte(row.StateJSON))
}
