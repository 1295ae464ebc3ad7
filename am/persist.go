package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
)

const backupCount = 3

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := configPath + ".back3"
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", oldest, "error", err)
	}

	for i := backupCount - 1; i >= 1; i-- {
		from := configPath + ".back" + strconv.Itoa(i)
		to := configPath + ".back" + strconv.Itoa(i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", filepath.Base(from))
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// ToTOML renders a config the way am.toml expects it.
func ToTOML(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// SaveSetting writes one dotted key (scheduler.due_batch_limit) into the
// config file at path, keeping a rotated backup. The result must still
// validate; a running daemon watching the file picks the change up.
func SaveSetting(path, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.NewInvalidRequestError("config key must look like section.name, got %q", key)
	}

	settings := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &settings); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	section, ok := settings[parts[0]].(map[string]interface{})
	if !ok {
		section = map[string]interface{}{}
	}
	section[parts[1]] = value
	settings[parts[0]] = section

	data, err := toml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	// Reject the write if the resulting file would not load.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".am-*.toml")
	if err != nil {
		return errors.Wrap(err, "failed to stage config")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to stage config")
	}
	tmp.Close()
	if _, err := LoadFromFile(tmpPath); err != nil {
		return err
	}

	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// ParseValue turns a command-line value into the TOML type it denotes.
func ParseValue(raw string) interface{} {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
