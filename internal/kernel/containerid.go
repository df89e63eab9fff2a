package kernel

import (
	"fmt"
	"os"
	"strings"
)

// resolveContainerID reads /proc/<pid>/cgroup to find which container the
// peer process belongs to. Returns "" for host processes; errors only on
// actual read failures.
func resolveContainerID(pid int32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("read cgroup for pid %d: %w", pid, err)
	}
	return parseContainerIDFromCgroup(string(data)), nil
}

// parseContainerIDFromCgroup extracts a container id from cgroup file
// contents. Each line is "<hierarchy>:<controllers>:<path>"; runtimes embed
// the 64-hex container id in the path, either as a bare segment (cgroup v1,
// "/docker/<id>") or wrapped in a scope unit (cgroup v2,
// "docker-<id>.scope"). Host processes yield "".
func parseContainerIDFromCgroup(cgroupContent string) string {
	for _, line := range strings.Split(cgroupContent, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 3)
		if len(parts) != 3 {
			continue
		}
		for _, seg := range strings.Split(parts[2], "/") {
			seg = strings.TrimSuffix(seg, ".scope")
			if k := strings.LastIndex(seg, "-"); k >= 0 {
				seg = seg[k+1:]
			}
			if isContainerID(seg) {
				return seg
			}
		}
	}
	return ""
}

// isContainerID reports whether s is a 64-character lowercase hex id.
func isContainerID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
