package daemon

import "path/filepath"

// Daemon state files (pid, addr, lock, log) live under home/protected,
// next to the database.
func protectedDir(home string) string {
	return filepath.Join(home, "protected")
}

func stateFile(home, name string) string {
	return filepath.Join(protectedDir(home), name)
}

func pidPath(home string) string  { return stateFile(home, "daemon.pid") }
func lockPath(home string) string { return stateFile(home, "daemon.lock") }
func addrPath(home string) string { return stateFile(home, "daemon.addr") }
