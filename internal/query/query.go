// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package query implements the pure planning functions that map a
// requested tile at an arbitrary zoom level onto a rectangular range of
// blocks in a sub-file's base-zoom grid, plus the 4x4 sub-tile bitmask
// used to skip ways that don't intersect a higher-zoom query tile.
//
// Every function here is a pure, allocation-free transform over plain
// integers: no file access, no state.
package query

// Bounds carries the sub-file fields CalculateBaseTiles/CalculateBlocks
// need, trimmed down from the full header-supplied SubFileParameter
// to avoid an import cycle between this package and the
// public mapforge package that owns that type.
type Bounds struct {
	BaseZoomLevel                                                            uint8
	BoundaryTileLeft, BoundaryTileTop, BoundaryTileRight, BoundaryTileBottom uint32
	BlocksWidth, BlocksHeight                                                uint32
}

// Parameters is the planner's output: the block rectangle to iterate and
// the optional per-block sub-tile bitmask.
type Parameters struct {
	QueryZoomLevel                       uint8
	FromBlockX, FromBlockY               uint32
	ToBlockX, ToBlockY                   uint32
	UseTileBitmask                       bool
	QueryTileBitmask                     uint16
}

// CalculateBaseTiles determines the rectangle of base-zoom tiles (in the
// sub-file's absolute tile-coordinate space, not yet clipped to its
// boundary) covering the requested tile, and whether a sub-tile bitmask
// is needed.
func CalculateBaseTiles(tileX, tileY uint32, tileZoom uint8, bounds Bounds) Parameters {
	switch {
	case tileZoom < bounds.BaseZoomLevel:
		diff := bounds.BaseZoomLevel - tileZoom
		fromX := tileX << diff
		fromY := tileY << diff
		return Parameters{
			FromBlockX: fromX,
			FromBlockY: fromY,
			ToBlockX:   fromX + (1 << diff) - 1,
			ToBlockY:   fromY + (1 << diff) - 1,
		}

	case tileZoom > bounds.BaseZoomLevel:
		diff := tileZoom - bounds.BaseZoomLevel
		fromX := tileX >> diff
		fromY := tileY >> diff
		return Parameters{
			FromBlockX:       fromX,
			FromBlockY:       fromY,
			ToBlockX:         fromX,
			ToBlockY:         fromY,
			UseTileBitmask:   true,
			QueryTileBitmask: SubTileBitmask(tileX, tileY, diff),
		}

	default:
		return Parameters{
			FromBlockX: tileX,
			FromBlockY: tileY,
			ToBlockX:   tileX,
			ToBlockY:   tileY,
		}
	}
}

// CalculateBlocks clips the absolute base-tile rectangle in params down
// to the sub-file's boundary box and rewrites it in block coordinates
// relative to that boundary.
func CalculateBlocks(params *Parameters, bounds Bounds) {
	params.FromBlockX = clampSub(params.FromBlockX, bounds.BoundaryTileLeft, bounds.BlocksWidth-1)
	params.FromBlockY = clampSub(params.FromBlockY, bounds.BoundaryTileTop, bounds.BlocksHeight-1)
	params.ToBlockX = clampSub(params.ToBlockX, bounds.BoundaryTileLeft, bounds.BlocksWidth-1)
	params.ToBlockY = clampSub(params.ToBlockY, bounds.BoundaryTileTop, bounds.BlocksHeight-1)
}

// clampSub computes max(value-origin, 0) without underflowing the
// unsigned subtraction, then clamps the result to max.
func clampSub(value, origin, max uint32) uint32 {
	var rel uint32
	if value > origin {
		rel = value - origin
	}
	if rel > max {
		rel = max
	}
	return rel
}

// SubTileBitmask builds the 16-bit mask over the 4x4 grid of sub-tiles
// within a base-zoom block that a query tile, zoomLevelDifference levels
// above the base zoom, occupies.
//
// The grid always subdivides down to baseZoom+2: at zoomLevelDifference
// 1 the query tile covers one full quadrant (4 of the 16 cells); at 2 it
// is exactly one cell; above 2 it nests inside exactly one cell, found
// by dropping the low (zoomLevelDifference-2) bits of the tile's
// coordinates.
func SubTileBitmask(tileX, tileY uint32, zoomLevelDifference uint8) uint16 {
	if zoomLevelDifference == 1 {
		qx := tileX & 1
		qy := tileY & 1
		var mask uint16
		for r := uint32(0); r < 2; r++ {
			for c := uint32(0); c < 2; c++ {
				bit := (2*qy+r)*4 + (2*qx + c)
				mask |= 1 << bit
			}
		}
		return mask
	}

	shift := zoomLevelDifference - 2
	col := (tileX >> shift) & 3
	row := (tileY >> shift) & 3
	return 1 << (row*4 + col)
}
