//go:build unix && !linux

package processes

// awaitExit reports false where the leader cannot be waited on without reaping it. The group
// is then only signalled while the leader is running.
func awaitExit(pid int) bool {
	return false
}
