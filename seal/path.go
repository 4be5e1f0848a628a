// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// ~ or ~otheruser, up to the first separator.
	path = path[1:]
	userName := ""
	if i := strings.IndexAny(path, string(os.PathSeparator)+"/"); i != -1 {
		userName = path[:i]
		path = path[i:]
	}
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	homeDir := "."
	if err == nil && u.HomeDir != "" {
		homeDir = u.HomeDir
	}
	return filepath.Join(homeDir, path)
}
