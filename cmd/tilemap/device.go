package main

import (
	"sync/atomic"

	"github.com/gogpu/tilemap/gpubundle"
)

type hostResource struct{ n uint64 }

func (r *hostResource) Size() uint64 { return r.n }

// hostDevice stands in for a GPU in headless mode. It keeps only sizes so
// budgets and evictions behave as they would on a device.
type hostDevice struct {
	bytes atomic.Int64
}

func (d *hostDevice) CreateBuffer(_ string, _ gpubundle.BufferUsage, data []byte) (gpubundle.Buffer, error) {
	d.bytes.Add(int64(len(data)))
	return &hostResource{uint64(len(data))}, nil
}

func (d *hostDevice) DestroyBuffer(b gpubundle.Buffer) { d.bytes.Add(-int64(b.Size())) }

func (d *hostDevice) CreateTexture(_ string, w, h int, _ []byte) (gpubundle.Texture, error) {
	n := uint64(w * h * 4)
	d.bytes.Add(int64(n))
	return &hostResource{n}, nil
}

func (d *hostDevice) DestroyTexture(t gpubundle.Texture) { d.bytes.Add(-int64(t.Size())) }
