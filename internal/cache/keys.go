package cache

import "fmt"

const (
	KeySyncFull        = "sync:full"
	KeyScheduleVersion = "schedule:version"

	entryPrefix = "rt:entry:"
)

// KeyEntry is where the mirror keeps one reconciled entry
func KeyEntry(entryKey string) string {
	return entryPrefix + entryKey
}

func KeyStopLines(stopID string) string {
	return fmt.Sprintf("lines:%s", stopID)
}
