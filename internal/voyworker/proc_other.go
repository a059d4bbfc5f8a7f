//go:build !linux

package voyworker

func readProcessMemory() (processMemory, bool) { return processMemory{}, false }
