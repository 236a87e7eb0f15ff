package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const day = 24 * time.Hour

// list reads the .db files in dir, newest first. The timestamp comes from
// the file name when it was written by Create, else from the mtime.
func list(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: read directory: %w", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ts, ok := parseName(e.Name())
		if !ok {
			ts = info.ModTime()
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, e.Name()),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".db")
	ts, err := time.Parse("20060102-150405.000000", stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// prune removes snapshots beyond the per-tier counts, keeping the newest
// of each tier.
func prune(dir string, policy Retention, now time.Time) error {
	snaps, err := list(dir)
	if err != nil {
		return err
	}

	var hourly, daily, weekly, monthly, expired []Snapshot
	for _, s := range snaps {
		switch age := now.Sub(s.Timestamp); {
		case age < day:
			hourly = append(hourly, s)
		case age < 7*day:
			daily = append(daily, s)
		case age < 30*day:
			weekly = append(weekly, s)
		case age < 365*day:
			monthly = append(monthly, s)
		default:
			expired = append(expired, s)
		}
	}

	remove := expired
	remove = append(remove, overflow(hourly, policy.Hourly)...)
	remove = append(remove, overflow(daily, policy.Daily)...)
	remove = append(remove, overflow(weekly, policy.Weekly)...)
	remove = append(remove, overflow(monthly, policy.Monthly)...)

	var errs []error
	for _, s := range remove {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("backup: prune: %w", errors.Join(errs...))
	}
	return nil
}

func overflow(tier []Snapshot, keep int) []Snapshot {
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}
