// Package posembed generates and resamples 2D positional embeddings for
// token grids.
//
// The embeddings follow the MoCo-v3 sin-cos recipe: each grid location gets
// the concatenation of sin/cos of its column and row indices scaled by
// dim/4 geometrically spaced frequencies. Generation is host-side and
// deterministic, so it can run before any backend exists.
package posembed

import (
	"math"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultTemperature is the frequency base used when none is configured.
const DefaultTemperature = 10000.0

// Sincos2D builds a fixed 2D sin-cos positional embedding shaped
// [1, dim, h, w]. The embedding dimension must be divisible by 4: one
// quarter each for sin/cos of the column index and sin/cos of the row
// index.
//
// The result is deterministic: calling it again with the same arguments
// yields identical values.
func Sincos2D(h, w, dim int, temperature float64) (*tensors.Tensor, error) {
	if dim%4 != 0 {
		return nil, errors.Errorf("embedding dimension must be divisible by 4 for 2D sin-cos positional embeddings, got dim=%d", dim)
	}
	if h <= 0 || w <= 0 {
		return nil, errors.Errorf("positional embedding grid must be non-empty, got %dx%d", h, w)
	}
	if temperature <= 0 {
		temperature = DefaultTemperature
	}

	posDim := dim / 4
	omega := make([]float64, posDim)
	for i := range omega {
		omega[i] = 1.0 / math.Pow(temperature, float64(i)/float64(posDim))
	}

	embed := tensors.FromShape(shapes.Make(dtypes.Float32, 1, dim, h, w))
	tensors.MutableFlatData(embed, func(flat []float32) {
		at := func(d, y, x int) int { return (d*h+y)*w + x }
		for y := range h {
			for x := range w {
				for i, freq := range omega {
					col := float64(x) * freq
					row := float64(y) * freq
					flat[at(i, y, x)] = float32(math.Sin(col))
					flat[at(posDim+i, y, x)] = float32(math.Cos(col))
					flat[at(2*posDim+i, y, x)] = float32(math.Sin(row))
					flat[at(3*posDim+i, y, x)] = float32(math.Cos(row))
				}
			}
		}
	})
	return embed, nil
}
