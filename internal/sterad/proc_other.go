//go:build !linux

package sterad

func processRSSBytes() (uint64, bool) { return 0, false }

func processSmapsRollupBytes() (map[string]uint64, bool) { return nil, false }

func formatSmapsRollup(map[string]uint64) string { return "" }
