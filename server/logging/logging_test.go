package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/san-kum/knife-guard/server/config"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knife-guard.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSize: 1})
	test.That(t, err, test.ShouldBeNil)

	logger.Debug("hidden")
	logger.Info("Knife detected")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldContainSubstring, `"msg":"Knife detected"`)
	test.That(t, string(b), test.ShouldNotContainSubstring, "hidden")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Output: "stdout"})
	test.That(t, err, test.ShouldNotBeNil)
}
