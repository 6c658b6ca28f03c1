package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pack is the external-collaborator catalog entry a pack installation
// blueprint resolves against.
type Pack struct {
	ID         uuid.UUID
	PackRef    string
	Name       string
	Version    string
	SchemaName string
	Manifest   json.RawMessage
}

// PackInstallation tracks the state of one pack's installation into
// one environment.
type PackInstallation struct {
	ID                uuid.UUID
	PackRef           string
	EnvID             string
	Status            string
	SchemaName        string
	InstalledVersion  *string
	MigrationState    *string
	InstalledByRunID  *uuid.UUID
	InstalledAt       *time.Time
	Error             json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	PackInstallationInstalling = "INSTALLING"
	PackInstallationInstalled  = "INSTALLED"
	PackInstallationFailed     = "FAILED"
)
