// Package fs holds the small filesystem helpers internal/config and the
// node's on-disk stores need: locating the user's home directory and
// creating a permission-restricted folder under it.
package fs

import (
	"fmt"
	"os"
	"os/user"
)

const secureDirPerm = 0o740

// HomeFolder returns the current user's home directory.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		panic(err)
	}
	return u.HomeDir
}

// Exists reports whether path exists, regardless of type.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CreateSecureFolder creates folder (and any parents) with permissions
// restricted to the owner if it doesn't already exist, and returns it.
func CreateSecureFolder(folder string) (string, error) {
	exists, err := Exists(folder)
	if err != nil {
		return "", fmt.Errorf("fs: stat %s: %w", folder, err)
	}
	if exists {
		return folder, nil
	}
	if err := os.MkdirAll(folder, secureDirPerm); err != nil {
		return "", fmt.Errorf("fs: create %s: %w", folder, err)
	}
	return folder, nil
}
