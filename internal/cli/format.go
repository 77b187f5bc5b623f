package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"plantsense/internal/clientcache"
	"plantsense/internal/model"
	"plantsense/internal/syncer"
)

var fieldColumns = []string{"temperature", "humidity", "light", "soil_moisture", "uv_index"}

func printSnapshot(snap syncer.Snapshot) {
	fmt.Printf("owner=%s state=%s readings=%d historic=%d", snap.Owner, snap.State, len(snap.Recent), len(snap.Historic))
	if !snap.Cursor.IsZero() {
		fmt.Printf(" cursor=%s", snap.Cursor.Format(time.RFC3339))
	}
	if snap.LastError != nil && !snap.LastSuccess.IsZero() {
		fmt.Printf("  [stale since %s]", snap.LastSuccess.Format(time.RFC3339))
	}
	if !snap.Saved && !snap.LastSuccess.IsZero() {
		fmt.Printf("  [not saved]")
	}
	fmt.Println()
	printReadings(snap.Recent, points)
}

func printCacheSummary(cache *clientcache.OwnerCache) {
	fmt.Printf("owner=%s readings=%d historic=%d saved_at=%s",
		cache.OwnerID, len(cache.Recent), len(cache.Historic), cache.SavedAt.Format(time.RFC3339))
	if !cache.LastFetchCursor.IsZero() {
		fmt.Printf(" cursor=%s", cache.LastFetchCursor.Format(time.RFC3339))
	}
	fmt.Println()
}

func printReadings(readings []model.Reading, budget int) {
	if len(readings) == 0 {
		fmt.Println("(no readings)")
		return
	}
	readings = clientcache.Downsample(readings, budget)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TIME\tDEVICE\t%s\n", strings.ToUpper(strings.Join(fieldColumns, "\t")))
	for _, r := range readings {
		cols := make([]string, 0, len(fieldColumns))
		for _, f := range fieldColumns {
			if v, ok := r.Fields[f]; ok {
				cols = append(cols, fmt.Sprintf("%.1f", v))
			} else {
				cols = append(cols, "-")
			}
		}
		name := r.DeviceName
		if name == "" {
			name = r.DeviceID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Timestamp.Local().Format("2006-01-02 15:04"), name, strings.Join(cols, "\t"))
	}
	_ = w.Flush()
}

func printDevices(devices []model.DeviceInfo) {
	if len(devices) == 0 {
		fmt.Println("(no devices)")
		return
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.DeviceID, d.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}
