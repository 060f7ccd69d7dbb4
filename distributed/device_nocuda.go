//go:build !cuda

package distributed

import (
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// DeviceCount returns 0 in builds without CUDA
func DeviceCount() int { return 0 }

// BindDevice accepts any device id and reports the host CPU. Training
// runs on the host in builds without CUDA.
func BindDevice(id int) (*Device, error) {
	if id < 0 {
		return nil, errors.Errorf("invalid device id %d", id)
	}
	return &Device{ID: id, Name: cpuid.CPU.BrandName}, nil
}
