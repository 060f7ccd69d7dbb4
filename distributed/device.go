package distributed

import "fmt"

// Device is an accelerator bound to one worker
type Device struct {
	ID       int
	Name     string
	TotalMem int64 // Bytes, 0 when unknown

	release func() error
}

// Release frees the device context. It is safe to call more than once.
func (d *Device) Release() error {
	if d == nil || d.release == nil {
		return nil
	}
	release := d.release
	d.release = nil
	return release()
}

func (d *Device) String() string {
	if d.TotalMem > 0 {
		return fmt.Sprintf("device %d (%s, %d MiB)", d.ID, d.Name, d.TotalMem>>20)
	}
	return fmt.Sprintf("device %d (%s)", d.ID, d.Name)
}
