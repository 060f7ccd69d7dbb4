//go:build !cuda

package distributed

import (
	"strings"
	"testing"
)

func TestBindDevice(t *testing.T) {
	if n := DeviceCount(); n != 0 {
		t.Fatalf("Expected no devices without cuda, got %d", n)
	}

	dev, err := BindDevice(1)
	if err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	if dev.ID != 1 {
		t.Errorf("Expected device 1, got %d", dev.ID)
	}
	if !strings.HasPrefix(dev.String(), "device 1 (") {
		t.Errorf("Unexpected description %q", dev.String())
	}
	if err := dev.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if err := dev.Release(); err != nil {
		t.Errorf("Second release failed: %v", err)
	}

	if _, err := BindDevice(-1); err == nil {
		t.Error("Expected error for negative device id")
	}
}
