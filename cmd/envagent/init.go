package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/envagent/internal/defaults"
)

// runInit prepares a working directory: it creates dir and a certs
// subdirectory and writes the bundled example config. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing envagent in %s\n", dir)

	certs := filepath.Join(dir, "certs")
	if err := os.MkdirAll(certs, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", certs, err)
	}

	// The config may carry a PKCS#12 password, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml with your broker endpoint and topics, and place")
	fmt.Fprintf(w, "the CA, client certificate and key in %s.\n", certs)
	return nil
}

// writeIfMissing writes content to path with the given mode unless the
// file already exists, and reports what it did on w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
