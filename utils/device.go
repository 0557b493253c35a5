package utils

import (
	"gorgonia.org/tensor"
)

// Device names where tensors are allocated. It is threaded explicitly through every
// constructor that allocates; there is no process-wide default other than the CPU value below.
type Device struct {
	name   string
	engine tensor.Engine
}

var CPU = Device{name: "cpu", engine: tensor.StdEng{}}

func NewDevice(name string, engine tensor.Engine) Device {
	return Device{name: name, engine: engine}
}

func (d Device) Engine() tensor.Engine {
	if d.engine == nil {
		return tensor.StdEng{}
	}
	return d.engine
}

func (d Device) String() string {
	if d.name == "" {
		return "cpu"
	}
	return d.name
}

// DeviceOf returns the device a tensor was allocated on.
func DeviceOf(t *tensor.Dense) Device {
	e := t.Engine()
	if e == nil {
		return CPU
	}
	if _, ok := e.(tensor.StdEng); ok {
		return CPU
	}
	return Device{name: "custom", engine: e}
}

// NewDense wraps backing in a dense tensor of the given shape on device d.
// Zero-length shapes are allowed.
func NewDense[T float32 | float64 | int | bool](d Device, backing []T, shape ...int) *tensor.Dense {
	if backing == nil {
		backing = []T{}
	}
	return tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
		tensor.WithEngine(d.Engine()),
	)
}
