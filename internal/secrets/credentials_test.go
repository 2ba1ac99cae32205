package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadControllerCredentialsAge(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate age identity: %v", err)
	}
	var encrypted bytes.Buffer
	if err := EncryptCredentials(&encrypted, ControllerCredentials{Username: "admin", Password: "s3cret"}, identity.Recipient()); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	credsPath := filepath.Join(tmp, "controller.age")
	writeFile(t, credsPath, encrypted.Bytes())
	keyPath := filepath.Join(tmp, "age.key")
	writeFile(t, keyPath, []byte("# created for test\n"+identity.String()+"\n"))

	creds, err := LoadControllerCredentials(credsPath, keyPath)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if creds.Username != "admin" || creds.Password != "s3cret" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if creds.Version != CredentialsVersion {
		t.Fatalf("version = %d", creds.Version)
	}
}

func TestLoadControllerCredentialsWrongKey(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	owner, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	var encrypted bytes.Buffer
	if err := EncryptCredentials(&encrypted, ControllerCredentials{Username: "admin"}, owner.Recipient()); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	credsPath := filepath.Join(tmp, "controller.age")
	writeFile(t, credsPath, encrypted.Bytes())
	keyPath := filepath.Join(tmp, "age.key")
	writeFile(t, keyPath, []byte(other.String()+"\n"))

	_, err = LoadControllerCredentials(credsPath, keyPath)
	if err == nil || !strings.Contains(err.Error(), "decrypt credentials") {
		t.Fatalf("expected decrypt error, got %v", err)
	}
}

func TestLoadControllerCredentialsAgeRequiresKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "controller.age")
	writeFile(t, path, []byte("not really age"))
	_, err := LoadControllerCredentials(path, "")
	if err == nil || !strings.Contains(err.Error(), "age key path is required") {
		t.Fatalf("expected key path error, got %v", err)
	}
}

func TestLoadControllerCredentialsPlaintext(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "controller.yaml")
	writeFile(t, path, []byte("username: dev\npassword: devpass\n"))
	creds, err := LoadControllerCredentials(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if creds.Username != "dev" || creds.Password != "devpass" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestLoadControllerCredentialsValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing username", body: "password: x\n", want: "username is required"},
		{name: "future version", body: "version: 2\nusername: a\n", want: "unsupported credentials version 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "controller.yaml")
			writeFile(t, path, []byte(tt.body))
			_, err := LoadControllerCredentials(path, "")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}
