//go:build linux

package sterad

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes reads the resident set size from /proc/self/statm.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// rollupKeys are the smaps_rollup fields that separate heap growth from
// file-backed pages such as the leveldb tables.
var rollupKeys = []string{"Anonymous", "Rss", "Shared_Clean", "Private_Dirty"}

// processSmapsRollupBytes returns the rollupKeys fields of
// /proc/self/smaps_rollup in bytes.
func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := make(map[string]struct{}, len(rollupKeys))
	for _, k := range rollupKeys {
		want[k] = struct{}{}
	}

	vals := make(map[string]uint64, len(rollupKeys))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, ok := want[key]; !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	var b strings.Builder
	for _, k := range rollupKeys {
		v, ok := vals[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToLower(k))
		b.WriteByte('=')
		b.WriteString(formatBytes(v))
	}
	return b.String()
}
