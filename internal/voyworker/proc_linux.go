//go:build linux

package voyworker

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// rollupKeys are the smaps_rollup lines worth logging: they split resident
// memory into heap growth and file-backed mappings such as leveldb tables.
var rollupKeys = map[string]bool{
	"Rss":           true,
	"Anonymous":     true,
	"Shared_Clean":  true,
	"Private_Clean": true,
	"Shmem":         true,
}

func readProcessMemory() (processMemory, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return processMemory{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return processMemory{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return processMemory{}, false
	}
	mem := processMemory{RSS: pages * uint64(os.Getpagesize())}

	if f, err := os.Open("/proc/self/smaps_rollup"); err == nil {
		defer f.Close()
		mem.Rollup = map[string]uint64{}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			key, rest, ok := strings.Cut(sc.Text(), ":")
			if !ok || !rollupKeys[key] {
				continue
			}
			vals := strings.Fields(rest)
			if len(vals) == 0 {
				continue
			}
			if kb, err := strconv.ParseUint(vals[0], 10, 64); err == nil {
				mem.Rollup[key] = kb << 10
			}
		}
	}
	return mem, true
}
