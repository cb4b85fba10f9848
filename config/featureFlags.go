package config

import (
	"os"
	"strings"
)

// SyncDisabledTables lists tables a desktop node should stop mirroring, e.g. while a
// migration of that table is rolled out to the central store.
//
// Set via env:
// - SYNC_DISABLED_TABLES="manual_postpaid_sales,manual_customer_receipts"
//
// Table names are case-insensitive.
func SyncDisabledTables() []string {
	raw := os.Getenv("SYNC_DISABLED_TABLES")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tables []string
	for _, part := range strings.Split(raw, ",") {
		if t := strings.ToLower(strings.TrimSpace(part)); t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}

// ReportCacheEnabled turns on Redis caching of report queries.
//
// Set via env:
// - ENABLE_REPORT_CACHE=true
func ReportCacheEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_REPORT_CACHE")))
	return v == "1" || v == "true" || v == "yes" || v == "y" || v == "on"
}
