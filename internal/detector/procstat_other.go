//go:build !linux

package detector

// procStatStartUnix has no /proc to read; StartUnix falls back to gopsutil.
func procStatStartUnix(int) int64 { return 0 }
