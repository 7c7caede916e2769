/*
router-watchdog - Keeps a home router online by power cycling it
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	FileName       = "wifi_config_v2.txt"
	LegacyFileName = "wifi_config.txt"
	legacySuffix   = ".bak"
)

// FileStore keeps networks in a plain text file, three lines per network:
// ssid, passphrase and role (0 primary, 1 backup).
type FileStore struct {
	Dir string
}

func (f FileStore) path() string       { return filepath.Join(f.Dir, FileName) }
func (f FileStore) legacyPath() string { return filepath.Join(f.Dir, LegacyFileName) }

// Load reads the networks. When only the old two line per network file exists
// it is converted, saved in the current format and renamed with a .bak suffix.
func (f FileStore) Load() ([]Entry, error) {
	data, err := os.ReadFile(f.path())
	if err == nil {
		return parseEntries(data, 3), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	legacy, err := os.ReadFile(f.legacyPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	log.Infof("Migrating %s to %s", LegacyFileName, FileName)
	entries := parseEntries(legacy, 2)
	if err := f.Save(entries); err != nil {
		return entries, fmt.Errorf("failed to write migrated networks: %w", err)
	}
	if err := os.Rename(f.legacyPath(), f.legacyPath()+legacySuffix); err != nil {
		return entries, fmt.Errorf("failed to rename legacy networks file: %w", err)
	}
	return entries, nil
}

// Save rewrites the whole file.
func (f FileStore) Save(entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n%s\n%d\n", e.SSID, e.Passphrase, e.Role)
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	tmp := f.path() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path())
}

func parseEntries(data []byte, linesPerEntry int) []Entry {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	entries := []Entry{}
	for i := 0; i+1 < len(lines) && len(entries) < Capacity; i += linesPerEntry {
		ssid := lines[i]
		if ssid == "" {
			continue
		}
		e := Entry{SSID: ssid, Passphrase: lines[i+1], Role: Primary}
		if linesPerEntry == 3 && i+2 < len(lines) {
			if n, err := strconv.Atoi(strings.TrimSpace(lines[i+2])); err == nil && n == int(Backup) {
				e.Role = Backup
			}
		}
		entries = append(entries, e)
	}
	return entries
}
