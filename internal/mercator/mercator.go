// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package mercator implements the pure projection math the block decoder
// needs to turn a (row, column, baseZoomLevel) block coordinate into the
// tile-origin latitude/longitude stored alongside every decoded object.
//
// This is the projection collaborator the decoder calls out to
// (MercatorProjection.tileYToLatitude / tileXToLongitude); it carries no
// state and has no dependency on the rest of the decoder.
package mercator

import "math"

// TileSize is the fixed pixel size of one map tile.
const TileSize = 256

// MicroDegreesFactor converts degrees to the i32 micro-degree storage
// unit used throughout the binary format.
const MicroDegreesFactor = 1000000.0

// TileYToLatitude returns the latitude, in degrees, of the given tile's
// top (north) edge at the given zoom level, using the Web Mercator
// (EPSG:3857-style) projection that mapsforge stores coordinates in.
func TileYToLatitude(tileY uint64, zoomLevel uint8) float64 {
	n := math.Pi - 2.0*math.Pi*float64(tileY)/math.Exp2(float64(zoomLevel))
	return 180.0 / math.Pi * math.Atan(0.5*(math.Exp(n)-math.Exp(-n)))
}

// TileXToLongitude returns the longitude, in degrees, of the given tile's
// left (west) edge at the given zoom level.
func TileXToLongitude(tileX uint64, zoomLevel uint8) float64 {
	return float64(tileX)/math.Exp2(float64(zoomLevel))*360.0 - 180.0
}

// TileOriginMicroDegrees returns the tile's top-left corner as i32
// micro-degrees (degrees * 1e6), the unit every stored coordinate delta
// is added to.
func TileOriginMicroDegrees(tileX, tileY uint64, zoomLevel uint8) (lat, lon int32) {
	lat = int32(math.Round(TileYToLatitude(tileY, zoomLevel) * MicroDegreesFactor))
	lon = int32(math.Round(TileXToLongitude(tileX, zoomLevel) * MicroDegreesFactor))
	return lat, lon
}
