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

package watchdog

import (
	"context"
	"fmt"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

func (e *Engine) evaluateBackup(ctx context.Context, now Millis) {
	s := e.settings
	b := &e.st.Backup
	c := &e.st.Counters

	if !s.EnableBackupNetwork {
		if err := e.d.Relay.SetBackupRelay(false); err != nil {
			log.Errorf("Failed to release backup relay: %v", err)
		}
		if b.Active() {
			b.Mode = OnPrimary
			b.BootStart = 0
			e.saveBackup()
		}
		return
	}

	if b.Active() {
		if now.Since(b.SwitchAt) >= s.BackupNetworkRetryInterval {
			if b.FailCount < backupReturnFailLimit {
				e.returnToPrimary(ctx, now, "retry interval passed")
				return
			}
			b.FailCount++
			b.SwitchAt = anchor(now)
			log.Infof("Backup network failing too (%d), staying on it", b.FailCount)
			e.saveBackup()
		}
		if c.FailCount >= s.BackupNetworkFailLimit {
			b.FailCount++
			c.FailCount = 0
			log.Infof("Backup network failing (%d)", b.FailCount)
			if b.FailCount > bothNetworksDownLimit && !b.BothDownNotified {
				b.BothDownNotified = true
				e.record(EventBothDown, "Primary and backup networks are both down", nil)
			}
			e.saveBackup()
		}
		return
	}

	exhausted := c.TotalResets >= s.ProviderFailureLimit || c.APModeAttempts >= s.APMaxAttempts
	if !exhausted || c.FailCount < s.BackupNetworkFailLimit {
		return
	}
	backup, ok := e.d.Networks.FirstOf(registry.Backup)
	if !ok {
		return
	}
	e.switchToBackup(ctx, now, backup)
}

func (e *Engine) switchToBackup(ctx context.Context, now Millis, entry registry.Entry) {
	b := &e.st.Backup
	c := &e.st.Counters
	e.record(EventBackupSwitch, fmt.Sprintf("Switching to backup network %s after %d failures", entry.SSID, c.FailCount),
		map[string]interface{}{"ssid": entry.SSID, "failCount": c.FailCount})
	if err := e.d.Relay.SetBackupRelay(true); err != nil {
		e.fault("Failed to energize backup relay", err)
		_ = e.d.Relay.SetBackupRelay(false)
		return
	}
	b.Mode = OnBackup
	b.SwitchAt = anchor(now)
	b.BootStart = anchor(now)
	b.FailCount = 0
	b.BothDownNotified = false
	c.FailCount = 0
	e.leaveConfigMode(ctx)
	if err := e.connector.ConnectEntry(ctx, entry); err != nil {
		log.Errorf("Failed to connect to backup network %s: %v", entry.SSID, err)
	}
	e.setMessage(fmt.Sprintf("On backup network %s", entry.SSID))
	e.saveBackup()
	e.flushWarm()
}

func (e *Engine) returnToPrimary(ctx context.Context, now Millis, why string) {
	b := &e.st.Backup
	e.record(EventBackupReturn, fmt.Sprintf("Returning to primary network: %s", why), nil)
	if err := e.d.Relay.SetBackupRelay(false); err != nil {
		e.fault("Failed to release backup relay", err)
	}
	b.Mode = OnPrimary
	b.RetryAt = anchor(now)
	b.BootStart = 0
	b.FailCount = 0
	e.st.Counters.FailCount = 0

	entry, ok := e.d.Networks.FirstOf(registry.Primary)
	if !ok {
		if all := e.d.Networks.Entries(); len(all) > 0 {
			entry, ok = all[0], true
		}
	}
	if ok {
		if err := e.connector.ConnectEntry(ctx, entry); err != nil {
			log.Errorf("Failed to connect to primary network %s: %v", entry.SSID, err)
		}
	}
	e.saveBackup()
	e.flushWarm()
}
