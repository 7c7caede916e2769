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

// Package registry keeps the ordered list of wireless networks the device
// knows how to join.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Capacity is the maximum number of networks kept.
const Capacity = 5

type Role int

const (
	Primary Role = 0
	Backup  Role = 1
)

func (r Role) String() string {
	if r == Backup {
		return "backup"
	}
	return "primary"
}

// ParseRole accepts "primary"/"backup" or the numeric file encoding.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "primary":
		return Primary, nil
	case "1", "backup":
		return Backup, nil
	}
	return Primary, fmt.Errorf("unknown network role '%s'", s)
}

type Entry struct {
	SSID       string
	Passphrase string
	Role       Role
}

var (
	ErrEmptySSID         = errors.New("ssid is empty")
	ErrSSIDTooLong       = errors.New("ssid is longer than 32 bytes")
	ErrInvalidPassphrase = errors.New("passphrase must be empty or 8 to 63 characters")
	ErrLineBreak         = errors.New("ssid and passphrase cannot contain line breaks")
)

func (e Entry) Validate() error {
	if e.SSID == "" {
		return ErrEmptySSID
	}
	if len(e.SSID) > 32 {
		return ErrSSIDTooLong
	}
	if strings.ContainsAny(e.SSID+e.Passphrase, "\r\n") {
		return ErrLineBreak
	}
	if n := len(e.Passphrase); n != 0 && (n < 8 || n > 63) {
		return ErrInvalidPassphrase
	}
	return nil
}

// Store persists the registry contents.
type Store interface {
	Load() ([]Entry, error)
	Save([]Entry) error
}

// Registry is an ordered list of unique networks, most recently connected first.
// It is not safe for concurrent use.
type Registry struct {
	entries []Entry
	store   Store
}

// New loads the registry from store. A nil store keeps the registry in memory only.
func New(store Store) (*Registry, error) {
	r := &Registry{store: store}
	if store == nil {
		return r, nil
	}
	entries, err := store.Load()
	if err != nil {
		return r, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Validate() != nil {
			continue
		}
		r.insertFront(entries[i])
	}
	return r, nil
}

// Add puts the entry at the front. An entry with the same SSID is replaced and
// moved to the front; otherwise when full the last entry is evicted.
func (r *Registry) Add(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.insertFront(e)
	return r.save()
}

// Remove deletes the network with the given SSID, reporting whether it existed.
func (r *Registry) Remove(ssid string) (bool, error) {
	i := r.index(ssid)
	if i < 0 {
		return false, nil
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true, r.save()
}

// Promote moves a known network to the front after a successful connection.
func (r *Registry) Promote(ssid string) error {
	i := r.index(ssid)
	if i < 0 {
		return fmt.Errorf("network '%s' is not registered", ssid)
	}
	if i == 0 {
		return nil
	}
	r.insertFront(r.entries[i])
	return r.save()
}

// Clear removes every network.
func (r *Registry) Clear() error {
	r.entries = nil
	return r.save()
}

func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// FirstOf returns the first network with the given role.
func (r *Registry) FirstOf(role Role) (Entry, bool) {
	for _, e := range r.entries {
		if e.Role == role {
			return e, true
		}
	}
	return Entry{}, false
}

// Count returns how many networks have the given role.
func (r *Registry) Count(role Role) int {
	n := 0
	for _, e := range r.entries {
		if e.Role == role {
			n++
		}
	}
	return n
}

func (r *Registry) index(ssid string) int {
	for i, e := range r.entries {
		if e.SSID == ssid {
			return i
		}
	}
	return -1
}

func (r *Registry) insertFront(e Entry) {
	if i := r.index(e.SSID); i >= 0 {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
	} else if len(r.entries) >= Capacity {
		r.entries = r.entries[:Capacity-1]
	}
	r.entries = append([]Entry{e}, r.entries...)
}

func (r *Registry) save() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(r.Entries()); err != nil {
		return fmt.Errorf("failed to save networks: %w", err)
	}
	return nil
}
