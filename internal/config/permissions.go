package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckConfigPermissions validates the config file permissions. The file may
// carry the controller password.
//
// It returns a warning when the file is group-readable and an error when the
// file is accessible by others or group-writable/executable.
func CheckConfigPermissions(path string) (string, error) {
	return checkPrivateFile("config", path, true)
}

// CheckKeyPermissions validates a key file such as the age identity used to
// decrypt controller credentials. Unlike the config file, group read is an
// error.
func CheckKeyPermissions(path string) error {
	_, err := checkPrivateFile("key", path, false)
	return err
}

func checkPrivateFile(kind, path string, allowGroupRead bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", kind, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", kind, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", kind, path, perms)
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", kind, path, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", kind, path, perms)
	}
	if perms&permGroupRead != 0 {
		if !allowGroupRead {
			return "", fmt.Errorf("%s %s must not be group-readable (mode %04o)", kind, path, perms)
		}
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", kind, path, perms), nil
	}
	return "", nil
}
