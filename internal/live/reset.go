package live

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/fsutil"
)

// Keys in storage.json that identify the machine to the application's
// backend.
const (
	MachineIDKey    = "telemetry.machineId"
	MacMachineIDKey = "telemetry.macMachineId"
	DevDeviceIDKey  = "telemetry.devDeviceId"
)

// MachineIDs is a fresh set of machine identifiers.
type MachineIDs struct {
	MachineID    string
	MacMachineID string
	DevDeviceID  string
}

// NewMachineIDs generates random identifiers in the application's formats.
func NewMachineIDs() (MachineIDs, error) {
	b32 := make([]byte, 32)
	b64 := make([]byte, 64)
	if _, err := rand.Read(b32); err != nil {
		return MachineIDs{}, err
	}
	if _, err := rand.Read(b64); err != nil {
		return MachineIDs{}, err
	}
	machine := sha256.Sum256(b32)
	mac := sha512.Sum512(b64)
	return MachineIDs{
		MachineID:    hex.EncodeToString(machine[:]),
		MacMachineID: hex.EncodeToString(mac[:]),
		DevDeviceID:  uuid.New().String(),
	}, nil
}

// Reset logs the application out and gives it new machine identifiers,
// without consulting any stored profile.
func (a *Accessor) Reset(ctx context.Context) error {
	return a.rewrite(ctx, "reset live state", true)
}

// RegenerateMachineIDs gives the live state new machine identifiers and
// keeps the login.
func (a *Accessor) RegenerateMachineIDs(ctx context.Context) error {
	return a.rewrite(ctx, "regenerate machine ids", false)
}

func (a *Accessor) rewrite(ctx context.Context, op string, logout bool) error {
	stage, err := a.Stage()
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	if _, err := a.Capture(ctx, stage); err != nil {
		return err
	}

	ids, err := NewMachineIDs()
	if err != nil {
		return serrors.IO(op, "", fmt.Errorf("generate identifiers: %w", err))
	}
	if err := writeMachineIDs(filepath.Join(stage, StorageFile), ids); err != nil {
		return serrors.IO(op, "", err)
	}
	if logout {
		if err := purgeAuth(filepath.Join(stage, DatabaseFile)); err != nil {
			return serrors.IO(op, "", err)
		}
		removeSidecars(stage)
	}

	if err := a.Apply(ctx, stage); err != nil {
		return err
	}
	a.log.Info().Bool("logout", logout).Str("dev_device_id", ids.DevDeviceID).Msg("Rewrote live identity")
	return nil
}

func writeMachineIDs(path string, ids MachineIDs) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", StorageFile, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", StorageFile, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	doc[MachineIDKey] = ids.MachineID
	doc[MacMachineIDKey] = ids.MacMachineID
	doc[DevDeviceIDKey] = ids.DevDeviceID

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", StorageFile, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, out, info.Mode().Perm())
}
