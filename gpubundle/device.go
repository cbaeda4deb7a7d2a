// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpubundle

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// BufferUsage says how an uploaded buffer is bound.
type BufferUsage uint8

// Buffer usages.
const (
	UsageVertex BufferUsage = iota
	UsageIndex
	UsageInstance
)

func (u BufferUsage) String() string {
	switch u {
	case UsageVertex:
		return "vertex"
	case UsageIndex:
		return "index"
	case UsageInstance:
		return "instance"
	default:
		return fmt.Sprintf("usage(%d)", uint8(u))
	}
}

// Buffer is an uploaded GPU buffer.
type Buffer interface {
	Size() uint64
}

// Texture is an uploaded RGBA8 texture.
type Texture interface {
	Size() uint64
}

// Device is the part of a GPU device the cache needs. Every method is
// called from Flush only.
type Device interface {
	CreateBuffer(label string, usage BufferUsage, data []byte) (Buffer, error)
	DestroyBuffer(Buffer)
	CreateTexture(label string, width, height int, rgba []byte) (Texture, error)
	DestroyTexture(Texture)
}

// ErrNoHAL is returned when a device provider does not expose HAL types.
var ErrNoHAL = errors.New("gpubundle: provider does not expose hal.Device and hal.Queue")

// HALDevice uploads through a wgpu HAL device and queue.
type HALDevice struct {
	device hal.Device
	queue  hal.Queue
}

// NewHALDevice takes the device of a host application. The provider must
// also implement HalDevice() and HalQueue().
func NewHALDevice(provider gpucontext.DeviceProvider) (*HALDevice, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, ErrNoHAL
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, ErrNoHAL
	}
	return &HALDevice{device: device, queue: queue}, nil
}

type halBuffer struct {
	buf  hal.Buffer
	size uint64
}

func (b *halBuffer) Size() uint64 { return b.size }

type halTexture struct {
	tex  hal.Texture
	size uint64
}

func (t *halTexture) Size() uint64 { return t.size }

func halUsage(u BufferUsage) gputypes.BufferUsage {
	switch u {
	case UsageIndex:
		return gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst
	default:
		return gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst
	}
}

// CreateBuffer implements Device.
func (d *HALDevice) CreateBuffer(label string, usage BufferUsage, data []byte) (Buffer, error) {
	// Buffer sizes must be a multiple of 4.
	size := (uint64(len(data)) + 3) &^ 3
	if size == 0 {
		size = 4
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: halUsage(usage),
	})
	if err != nil {
		return nil, fmt.Errorf("gpubundle: create %s buffer %q: %w", usage, label, err)
	}
	if len(data) > 0 {
		padded := data
		if uint64(len(data)) != size {
			padded = make([]byte, size)
			copy(padded, data)
		}
		d.queue.WriteBuffer(buf, 0, padded)
	}
	return &halBuffer{buf: buf, size: size}, nil
}

// DestroyBuffer implements Device.
func (d *HALDevice) DestroyBuffer(b Buffer) {
	if hb, ok := b.(*halBuffer); ok && hb.buf != nil {
		d.device.DestroyBuffer(hb.buf)
		hb.buf = nil
	}
}

// CreateTexture implements Device.
func (d *HALDevice) CreateTexture(label string, width, height int, rgba []byte) (Texture, error) {
	if width <= 0 || height <= 0 || len(rgba) < width*height*4 {
		return nil, fmt.Errorf("gpubundle: texture %q: bad size %dx%d for %d bytes", label, width, height, len(rgba))
	}
	w, h := uint32(width), uint32(height) //nolint:gosec // checked positive above
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpubundle: create texture %q: %w", label, err)
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		rgba,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: w * 4, RowsPerImage: h},
		&size,
	)
	return &halTexture{tex: tex, size: uint64(width) * uint64(height) * 4}, nil
}

// DestroyTexture implements Device.
func (d *HALDevice) DestroyTexture(t Texture) {
	if ht, ok := t.(*halTexture); ok && ht.tex != nil {
		d.device.DestroyTexture(ht.tex)
		ht.tex = nil
	}
}
