// Package mapforge is a read-only decoder for the mapsforge binary map
// file format: tile-indexed, variable-byte-encoded points of interest
// and ways, served through a random-access Decoder.
//
// Given a geographic tile, Decoder.ExecuteQuery locates the sub-file
// blocks covering it, decodes each one, and drives a Callback as
// objects come off the wire. The header, any rendering pipeline, and
// geographic projection math are treated as collaborators: this package
// owns the byte format, the index cache, and the query planner.
package mapforge

import "github.com/kelindar/mapforge/internal/model"

// Tile identifies a single map tile at a given zoom level. X and Y are
// tile-grid coordinates, each in [0, 2^Zoom).
type Tile struct {
	X, Y uint32
	Zoom uint8
}

// Tag is a key/value pair dereferenced from the map file's tag table.
type Tag = model.Tag
