//go:build cuda

package distributed

import (
	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// DeviceCount returns the number of visible CUDA devices, 0 on error
func DeviceCount() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}

// BindDevice creates a context on device id and makes it current on the
// calling goroutine's OS thread. Release undoes both.
func BindDevice(id int) (*Device, error) {
	if id < 0 {
		return nil, errors.Errorf("invalid device id %d", id)
	}
	dev, err := cu.GetDevice(id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get device %d", id)
	}
	ctx, err := dev.MakeContext(cu.SchedAuto)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create context on device %d", id)
	}
	if err := ctx.Lock(); err != nil {
		cu.DestroyContext(&ctx)
		return nil, errors.Wrap(err, "failed to lock context")
	}

	name, _ := dev.Name()
	mem, _ := dev.TotalMem()
	return &Device{
		ID:       id,
		Name:     name,
		TotalMem: mem,
		release: func() error {
			if err := ctx.Unlock(); err != nil {
				return err
			}
			return cu.DestroyContext(&ctx)
		},
	}, nil
}
