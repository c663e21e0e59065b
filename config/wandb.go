package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// wandbSettingsFile is the name of the file `wandb init` writes into the wandb dir.
const wandbSettingsFile = "settings"

// wandbSection is the INI section holding the default entity and project.
const wandbSection = "default"

// wandbLayer reads the local wandb settings file. The second return value is
// false when the file does not exist. An unreadable or malformed file is
// logged and treated as empty.
func wandbLayer(dir string, logger *slog.Logger) (layer, bool) {
	path := filepath.Join(dir, wandbSettingsFile)

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to stat wandb settings file", "path", path, "error", err)
		}
		return layer{}, false
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:         false,
		IgnoreInlineComment: true,
		AllowBooleanKeys:    true,
	}, path)
	if err != nil {
		logger.Warn("failed to parse wandb settings file", "path", path, "error", err)
		return layer{}, true
	}

	sec, err := file.GetSection(wandbSection)
	if err != nil {
		logger.Debug("wandb settings file has no default section", "path", path)
		return layer{}, true
	}

	var l layer
	if v := iniValue(sec, "entity"); v != nil {
		l.weave.entity, l.models.entity = v, v
	}
	if v := iniValue(sec, "project"); v != nil {
		l.weave.project, l.models.project = v, v
	}
	if v := iniValue(sec, "mode"); v != nil {
		l.mode = v
	}
	return l, true
}

func iniValue(sec *ini.Section, key string) *string {
	if !sec.HasKey(key) {
		return nil
	}
	v := strings.TrimSpace(sec.Key(key).String())
	if v == "" {
		return nil
	}
	return &v
}
