package cli

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

func writeTestFile(path string, n int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, make([]byte, n), 0o644)
}

func discard() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
