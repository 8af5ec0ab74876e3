package posembed

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Bicubic resampling of positional embedding grids, matching the usual
// convolutional cubic kernel (Keys, a=-0.75) with half-pixel centers and no
// corner alignment. It is separable: a [newH, h] and a [newW, w] weight
// matrix are built host-side and applied as two contractions, so the graph
// version is just two Einsum ops over constant matrices.

const cubicA = -0.75

func cubicKernel(s float64) float64 {
	s = math.Abs(s)
	switch {
	case s <= 1:
		return (cubicA+2)*s*s*s - (cubicA+3)*s*s + 1
	case s < 2:
		return cubicA * (s*s*s - 5*s*s + 8*s - 4)
	default:
		return 0
	}
}

// resampleWeights builds the dense [dst, src] cubic interpolation matrix.
// Out-of-range taps are clamped to the border, accumulating their weight
// there. For src == dst it is the identity.
func resampleWeights(src, dst int) [][]float32 {
	weights := make([][]float32, dst)
	scale := float64(src) / float64(dst)
	for i := range weights {
		row := make([]float32, src)
		center := (float64(i)+0.5)*scale - 0.5
		base := int(math.Floor(center))
		frac := center - float64(base)
		for tap := -1; tap <= 2; tap++ {
			w := cubicKernel(float64(tap) - frac)
			idx := min(max(base+tap, 0), src-1)
			row[idx] += float32(w)
		}
		weights[i] = row
	}
	return weights
}

// ResampleGraph resamples a [batch, dim, h, w] embedding node to the grid
// [newH, newW], returning a [batch, dim, newH, newW] node. Grid sizes are
// graph-build-time constants, so the cubic weights are embedded as
// constants. Same-size input is returned unchanged.
func ResampleGraph(x *Node, newH, newW int) *Node {
	g := x.Graph()
	h := x.Shape().Dim(-2)
	w := x.Shape().Dim(-1)
	if h == newH && w == newW {
		return x
	}
	if h != newH {
		rows := Const(g, resampleWeights(h, newH))
		rows = ConvertDType(rows, x.DType())
		x = Einsum("bdhw,ih->bdiw", x, rows)
	}
	if w != newW {
		cols := Const(g, resampleWeights(w, newW))
		cols = ConvertDType(cols, x.DType())
		x = Einsum("bdhe,je->bdhj", x, cols)
	}
	return x
}

// Resample is the host-side counterpart of ResampleGraph, used when
// adapting checkpoint tensors before they ever reach a graph. Only Float32
// embeddings are supported, which is what checkpoints store.
func Resample(embed *tensors.Tensor, newH, newW int) (*tensors.Tensor, error) {
	shape := embed.Shape()
	if shape.Rank() != 4 {
		return nil, errors.Errorf("positional embedding must be rank-4 [batch, dim, h, w], got shape %s", shape)
	}
	if shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("positional embedding resampling supports Float32 only, got %s", shape.DType)
	}
	batch, dim := shape.Dimensions[0], shape.Dimensions[1]
	h, w := shape.Dimensions[2], shape.Dimensions[3]
	if h == newH && w == newW {
		return embed.LocalClone(), nil
	}

	rowW := resampleWeights(h, newH)
	colW := resampleWeights(w, newW)
	out := tensors.FromShape(shapes.Make(dtypes.Float32, batch, dim, newH, newW))
	tensors.ConstFlatData(embed, func(src []float32) {
		tensors.MutableFlatData(out, func(dst []float32) {
			// Rows first into a scratch [newH, w] plane, then columns.
			scratch := make([]float32, newH*w)
			for plane := range batch * dim {
				srcPlane := src[plane*h*w : (plane+1)*h*w]
				for i := range newH {
					for x := range w {
						var acc float32
						for y, wy := range rowW[i] {
							if wy != 0 {
								acc += wy * srcPlane[y*w+x]
							}
						}
						scratch[i*w+x] = acc
					}
				}
				dstPlane := dst[plane*newH*newW : (plane+1)*newH*newW]
				for i := range newH {
					for j := range newW {
						var acc float32
						for x, wx := range colW[j] {
							if wx != 0 {
								acc += wx * scratch[i*w+x]
							}
						}
						dstPlane[i*newW+j] = acc
					}
				}
			}
		})
	})
	return out, nil
}
