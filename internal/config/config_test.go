package config

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "")
	t.Setenv("SAVE_DELAY", "")

	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.StorageType, StorageFilesystem)
	assert.Equal(t, cfg.SaveDelay, time.Second)
	assert.Equal(t, cfg.MaxMessageSize, int64(1<<30))
	assert.Equal(t, cfg.SendBuffer, 256)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("SAVE_DELAY", "250ms")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("SEND_BUFFER", "not-a-number")

	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.StorageType, StorageMemory)
	assert.Equal(t, cfg.SaveDelay, 250*time.Millisecond)
	assert.Equal(t, cfg.Addr(), cfg.ServerHost+":9999")
	assert.Equal(t, cfg.SendBuffer, 256)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "s3")
	t.Setenv("S3_BUCKET_NAME", "")
	_, err := Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("STORAGE_TYPE", "tape")
	_, err = Load()
	assert.NotEqual(t, err, nil)
}
