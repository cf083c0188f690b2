package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eddielth/crane-telemetry/logger"
)

// FileStorage archives readings as JSON lines, one file per device per day:
// <basePath>/<deviceID>/<YYYYMMDD>.jsonl
type FileStorage struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStorage creates the archive directory
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Archive appends the reading to the device's file for its day
func (fs *FileStorage) Archive(reading *TelemetryReading) error {
	deviceDir := filepath.Join(fs.basePath, safeName(reading.DeviceID))
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}

	day := reading.Timestamp
	if day.IsZero() {
		day = reading.ReceivedAt
	}
	filename := filepath.Join(deviceDir, day.UTC().Format("20060102")+".jsonl")

	line, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("serialize reading failed: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("archived reading %s to %s", reading.ID, filename)
	return nil
}

// safeName keeps device ids from escaping the archive directory
func safeName(deviceID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	name := r.Replace(deviceID)
	if name == "" {
		return "_unknown"
	}
	return name
}

// Close implements ArchiveBackend
func (fs *FileStorage) Close() error {
	return nil
}
