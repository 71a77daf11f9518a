// Package config loads host identity and carries the credentials produced
// by the one-time pairing flow: a user-supplied pairing token consumed once
// to register the host, and the long-lived device credential the server
// hands back afterward.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds everything the agent needs to locate and authenticate against
// the coordination service. Fields are loaded from a .env file near the
// executable, falling back to the process environment.
type Config struct {
	ServerAddr string
	BaudRate   int
	LogDir     string
}

func Load() (*Config, error) {
	dir := filepath.Dir(mustExecutablePath())
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := &Config{
		ServerAddr: envOr("BOTQIO_SERVER_ADDR", "wss://api.botqio.com/ws"),
		BaudRate:   115200,
		LogDir:     filepath.Join(dir, "logs"),
	}
	if v := os.Getenv("BOTQIO_BAUD_RATE"); v != "" {
		var baud int
		if _, err := fmt.Sscanf(v, "%d", &baud); err == nil && baud > 0 {
			cfg.BaudRate = baud
		}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustExecutablePath() string {
	execPath, err := os.Executable()
	if err != nil {
		// Fall back to the current working directory; this only affects
		// where we look for .env/user.json/device.json
		// on exotic platforms.
		return "."
	}
	return execPath
}

// pairingTokenPath is where an operator's interactive pairing step (run once,
// out of band) leaves the one-time token this host registers with.
func pairingTokenPath() string {
	return filepath.Join(filepath.Dir(mustExecutablePath()), "user.json")
}

// deviceCredentialPath is where the server's registration response is
// persisted, so subsequent runs skip pairing entirely.
func deviceCredentialPath() string {
	return filepath.Join(filepath.Dir(mustExecutablePath()), "device.json")
}

// readCredential reads the single "cookie"-keyed bearer value a pairing
// file holds; the field name is the wire format the server expects both
// credentials to arrive under, independent of which file carries them.
func readCredential(fname string) (string, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return "", err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("failed to parse json: %v", err)
	}
	val, ok := m["cookie"]
	if !ok {
		return "", fmt.Errorf("no cookie in %s", fname)
	}
	cred, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s: cookie is not a string", fname)
	}
	return cred, nil
}

// ReadPairingToken reads the one-time token an operator left behind after
// the interactive web pairing step, consumed by the first-run registration
// flow.
func ReadPairingToken() (string, error) {
	return readCredential(pairingTokenPath())
}

// ReadDeviceCredential reads the long-lived credential issued on first
// successful registration, used for every subsequent authenticated call.
func ReadDeviceCredential() (string, error) {
	return readCredential(deviceCredentialPath())
}

// SaveDeviceCredential persists the credential handed back by the
// registration RPC so future runs skip pairing.
func SaveDeviceCredential(cred string) error {
	m := map[string]interface{}{"cookie": cred}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(deviceCredentialPath(), data, 0644)
}

// IsFirstRun reports whether this host has paired with the server yet: a
// pairing token must already be present, and no device credential saved.
func IsFirstRun() (bool, error) {
	if _, err := os.Stat(pairingTokenPath()); err != nil {
		return false, fmt.Errorf("failed to access user.json: %v", err)
	}
	if _, err := os.Stat(deviceCredentialPath()); err == nil {
		return false, nil
	} else if os.IsNotExist(err) {
		return true, nil
	} else {
		return false, err
	}
}
