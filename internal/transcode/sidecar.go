package transcode

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// writeSidecar persists transcode.json atomically: write to a temp file
// in the same directory, then rename over the final path, so a reader
// never observes a partially written sidecar.
func writeSidecar(dir string, sc sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, sidecarName+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, sidecarName))
}

func readSidecar(dir string) (sidecar, error) {
	var sc sidecar
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}
