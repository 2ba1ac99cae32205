// Package secrets loads the controller credentials patternd authenticates
// with.
//
// Credentials live in a small YAML document that is normally encrypted with
// age so the password never sits on disk in plaintext:
//
//	version: 1
//	username: admin
//	password: s3cret
//
// Files ending in .age are decrypted in memory with the configured identity.
// Any other file is read as plaintext YAML, which is only meant for
// development setups.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

// CredentialsVersion is the current credentials document version.
const CredentialsVersion = 1

// ControllerCredentials holds basic-auth credentials for the controller.
type ControllerCredentials struct {
	Version  int    `yaml:"version"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadControllerCredentials reads, decrypts if needed, and parses the
// credentials file at path.
func LoadControllerCredentials(path, ageKeyPath string) (ControllerCredentials, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ControllerCredentials{}, errors.New("credentials path is required")
	}
	var payload []byte
	var err error
	if strings.HasSuffix(strings.ToLower(filepath.Base(path)), ".age") {
		payload, err = decryptAge(path, ageKeyPath)
	} else {
		payload, err = os.ReadFile(path)
		if err != nil {
			err = fmt.Errorf("read credentials %s: %w", path, err)
		}
	}
	if err != nil {
		return ControllerCredentials{}, err
	}
	creds, err := parseCredentials(payload)
	if err != nil {
		return ControllerCredentials{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return creds, nil
}

// EncryptCredentials serializes creds and encrypts them to recipient. It is
// the inverse of LoadControllerCredentials for .age files.
func EncryptCredentials(w io.Writer, creds ControllerCredentials, recipient age.Recipient) error {
	if creds.Version == 0 {
		creds.Version = CredentialsVersion
	}
	payload, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	writer, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return writer.Close()
}

func decryptAge(path, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age credentials")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials %s: %w", path, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}

func parseCredentials(data []byte) (ControllerCredentials, error) {
	var creds ControllerCredentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return ControllerCredentials{}, err
	}
	if creds.Version == 0 {
		creds.Version = CredentialsVersion
	}
	if creds.Version != CredentialsVersion {
		return ControllerCredentials{}, fmt.Errorf("unsupported credentials version %d", creds.Version)
	}
	if strings.TrimSpace(creds.Username) == "" {
		return ControllerCredentials{}, errors.New("username is required")
	}
	return creds, nil
}
