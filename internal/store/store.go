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

// Package store keeps engine state in bbolt databases. The persistent store
// survives power loss, the warm store lives on tmpfs and only survives a
// restart of the daemon.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const (
	DefaultPersistentPath = "/var/lib/router-watchdog/state.db"
	DefaultWarmPath       = "/run/router-watchdog/warm.db"
)

const (
	stateBucket  = "state"
	eventsBucket = "events"
	warmBucket   = "warm"
)

const (
	countersKey = "counters"
	settingsKey = "settings"
	scheduleKey = "schedule"
	backupKey   = "backup"
	safeModeKey = "safe-mode"
	warmKey     = "warm"
)

func open(path string, buckets ...string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return db, nil
}

func put(db *bolt.DB, bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

// get reports false when the key has never been written.
func get(db *bolt.DB, bucket, key string, v interface{}) (bool, error) {
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return found, nil
}

// Persistent is the store written on every state change.
type Persistent struct {
	db *bolt.DB
}

func OpenPersistent(path string) (*Persistent, error) {
	db, err := open(path, stateBucket, eventsBucket)
	if err != nil {
		return nil, err
	}
	return &Persistent{db: db}, nil
}

func (p *Persistent) Close() error {
	return p.db.Close()
}

func (p *Persistent) SaveCounters(c watchdog.Counters) error {
	return put(p.db, stateBucket, countersKey, c)
}

func (p *Persistent) SaveSettings(s watchdog.Settings) error {
	return put(p.db, stateBucket, settingsKey, s)
}

func (p *Persistent) SaveSchedule(s watchdog.ScheduleState) error {
	return put(p.db, stateBucket, scheduleKey, s)
}

func (p *Persistent) SaveBackup(b watchdog.BackupNetworkState) error {
	return put(p.db, stateBucket, backupKey, b)
}

func (p *Persistent) SaveSafeMode(on bool) error {
	return put(p.db, stateBucket, safeModeKey, on)
}

// LoadSettings returns nil when no settings have been saved.
func (p *Persistent) LoadSettings() (*watchdog.Settings, error) {
	s := watchdog.DefaultSettings()
	found, err := get(p.db, stateBucket, settingsKey, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// Restored loads the state the engine needs at start up.
func (p *Persistent) Restored() (watchdog.Restored, error) {
	var r watchdog.Restored

	var c watchdog.Counters
	found, err := get(p.db, stateBucket, countersKey, &c)
	if err != nil {
		return r, err
	}
	if found {
		r.Counters = &c
	}

	var sc watchdog.ScheduleState
	if found, err = get(p.db, stateBucket, scheduleKey, &sc); err != nil {
		return r, err
	}
	if found {
		r.Schedule = &sc
	}

	var b watchdog.BackupNetworkState
	if found, err = get(p.db, stateBucket, backupKey, &b); err != nil {
		return r, err
	}
	if found {
		r.Backup = &b
	}

	if _, err = get(p.db, stateBucket, safeModeKey, &r.SafeMode); err != nil {
		return r, err
	}
	return r, nil
}

// AppendEvent stores an event line, keeping at most max lines.
func (p *Persistent) AppendEvent(line string, max int) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, []byte(line)); err != nil {
			return err
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > max {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

// Events returns the stored event lines, oldest first.
func (p *Persistent) Events() ([]string, error) {
	var lines []string
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(_, v []byte) error {
			lines = append(lines, string(v))
			return nil
		})
	})
	return lines, err
}

// ClearEvents removes every stored event line.
func (p *Persistent) ClearEvents() error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(eventsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(eventsBucket))
		return err
	})
}

// Warm is the warm restart region.
type Warm struct {
	db *bolt.DB
}

func OpenWarm(path string) (*Warm, error) {
	db, err := open(path, warmBucket)
	if err != nil {
		return nil, err
	}
	return &Warm{db: db}, nil
}

func (w *Warm) Close() error {
	return w.db.Close()
}

func (w *Warm) SaveWarm(s watchdog.WarmState) error {
	return put(w.db, warmBucket, warmKey, s)
}

// Load returns nil when the region holds no valid state.
func (w *Warm) Load() (*watchdog.WarmState, error) {
	var s watchdog.WarmState
	found, err := get(w.db, warmBucket, warmKey, &s)
	if err != nil || !found || s.Magic != watchdog.WarmMagic {
		return nil, err
	}
	return &s, nil
}

// MarkExit records why the daemon is stopping.
func (w *Warm) MarkExit(s watchdog.WarmState, reason watchdog.ExitReason) error {
	s.Exit = reason
	return w.SaveWarm(s)
}
