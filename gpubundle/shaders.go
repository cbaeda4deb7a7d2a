// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpubundle

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/tilemap/bundle"
)

// drawUniforms is shared by every program. m0/m1 are the rows of the
// affine map from bundle-local map units to clip space; px holds
// (2/width, 2/height, map units per pixel, opacity).
const drawUniforms = `
struct Draw {
    m0: vec4<f32>,
    m1: vec4<f32>,
    px: vec4<f32>,
}
@group(0) @binding(0) var<uniform> u: Draw;

fn to_clip(p: vec2<f32>) -> vec4<f32> {
    let x = u.m0.x * p.x + u.m0.y * p.y + u.m0.z;
    let y = u.m1.x * p.x + u.m1.y * p.y + u.m1.z;
    return vec4<f32>(x, y, 0.0, 1.0);
}

fn unpack(c: u32) -> vec4<f32> {
    return vec4<f32>(f32(c & 0xffu), f32((c >> 8u) & 0xffu), f32((c >> 16u) & 0xffu), f32(c >> 24u)) / 255.0;
}

struct Out {
    @builtin(position) pos: vec4<f32>,
    @location(0) color: vec4<f32>,
    @location(1) uv: vec2<f32>,
}
`

const fillWGSL = drawUniforms + `
@vertex
fn vs_main(@location(0) pos: vec2<f32>, @location(1) color: u32) -> Out {
    var o: Out;
    o.pos = to_clip(pos);
    o.color = unpack(color);
    o.uv = vec2<f32>(0.0, 0.0);
    return o;
}

@fragment
fn fs_main(i: Out) -> @location(0) vec4<f32> {
    return vec4<f32>(i.color.rgb, i.color.a * u.px.w);
}
`

const lineWGSL = drawUniforms + `
@vertex
fn vs_main(@location(0) pos: vec2<f32>, @location(1) normal: vec2<f32>,
           @location(2) width: f32, @location(3) color: u32) -> Out {
    var o: Out;
    o.pos = to_clip(pos + normal * width * 0.5 * u.px.z);
    o.color = unpack(color);
    o.uv = vec2<f32>(0.0, 0.0);
    return o;
}

@fragment
fn fs_main(i: Out) -> @location(0) vec4<f32> {
    return vec4<f32>(i.color.rgb, i.color.a * u.px.w);
}
`

const pointWGSL = drawUniforms + `
@vertex
fn vs_main(@location(0) corner: vec2<f32>, @location(1) pos: vec2<f32>,
           @location(2) size: f32, @location(3) color: u32) -> Out {
    var o: Out;
    let c = to_clip(pos);
    o.pos = vec4<f32>(c.xy + corner * size * u.px.xy, 0.0, 1.0);
    o.color = unpack(color);
    o.uv = corner + vec2<f32>(0.5, 0.5);
    return o;
}

@fragment
fn fs_main(i: Out) -> @location(0) vec4<f32> {
    return vec4<f32>(i.color.rgb, i.color.a * u.px.w);
}
`

const imageWGSL = drawUniforms + `
@group(0) @binding(1) var tex: texture_2d<f32>;
@group(0) @binding(2) var samp: sampler;

@vertex
fn vs_main(@location(0) pos: vec2<f32>, @location(1) uv: vec2<f32>) -> Out {
    var o: Out;
    o.pos = to_clip(pos);
    o.color = vec4<f32>(1.0, 1.0, 1.0, 1.0);
    o.uv = uv;
    return o;
}

@fragment
fn fs_main(i: Out) -> @location(0) vec4<f32> {
    let c = textureSample(tex, samp, i.uv);
    return vec4<f32>(c.rgb, c.a * u.px.w);
}
`

const screenWGSL = drawUniforms + `
@group(0) @binding(1) var tex: texture_2d<f32>;
@group(0) @binding(2) var samp: sampler;

@vertex
fn vs_main(@location(0) anchor: vec2<f32>, @location(1) offset: vec2<f32>,
           @location(2) uv: vec2<f32>, @location(3) color: u32) -> Out {
    var o: Out;
    let c = to_clip(anchor);
    o.pos = vec4<f32>(c.x + offset.x * u.px.x, c.y - offset.y * u.px.y, 0.0, 1.0);
    o.color = unpack(color);
    o.uv = uv;
    return o;
}

@fragment
fn fs_main(i: Out) -> @location(0) vec4<f32> {
    let a = textureSample(tex, samp, i.uv).a;
    return vec4<f32>(i.color.rgb, i.color.a * a * u.px.w);
}
`

// ShaderSource returns the WGSL program drawing parts of kind k.
func ShaderSource(k bundle.Kind) (string, bool) {
	switch k {
	case bundle.Fill:
		return fillWGSL, true
	case bundle.Line:
		return lineWGSL, true
	case bundle.Point:
		return pointWGSL, true
	case bundle.Image:
		return imageWGSL, true
	case bundle.Screen:
		return screenWGSL, true
	default:
		return "", false
	}
}

// Shaders compiles the program of every Kind to SPIR-V words.
func Shaders() (map[bundle.Kind][]uint32, error) {
	out := make(map[bundle.Kind][]uint32, len(bundle.Kinds))
	for _, k := range bundle.Kinds {
		src, _ := ShaderSource(k)
		spirv, err := naga.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("gpubundle: compile %s shader: %w", k, err)
		}
		words := make([]uint32, len(spirv)/4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
		}
		out[k] = words
	}
	return out, nil
}
