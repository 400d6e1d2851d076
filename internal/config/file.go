package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Write stores cfg as YAML at path. The file may hold inventory
// credentials, so it is created 0600 and replaced atomically.
func Write(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("write config: nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := writeSecureFile(tmpPath, data); err != nil {
		return fmt.Errorf("write config: temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write config: replace %s: %w", path, err)
	}
	return nil
}

func writeSecureFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
