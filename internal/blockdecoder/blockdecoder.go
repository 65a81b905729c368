// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package blockdecoder implements a strictly-ordered, length-free
// streaming parser over one already-loaded block: it reads the zoom
// table, the first-way offset, the POI sequence, and the way sequence,
// driving a Callback as it goes.
//
// Every sub-step is bounds-checked through the readbuffer it is handed;
// a malformed block degrades to a logged, early return rather than a
// panic.
package blockdecoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelindar/mapforge/internal/model"
	"github.com/kelindar/mapforge/internal/readbuffer"
)

// Debug signatures embedded at fixed points in a debug-mode map file.
const (
	debugSignatureLength = 32
	tileStartSignature   = "###TileStart"
	poiStartSignature    = "***POIStart"
	wayStartSignature    = "---WayStart"
)

// Feature-byte bit layout, matching the real mapsforge binary format.
const (
	poiFeatureName        = 0x80
	poiFeatureHouseNumber = 0x40
	poiFeatureElevation   = 0x20

	wayFeatureName          = 0x80
	wayFeatureHouseNumber   = 0x40
	wayFeatureRef           = 0x20
	wayFeatureLabelPosition = 0x10
	wayFeatureDataBlocks    = 0x08
	wayFeatureDoubleDelta   = 0x04
)

// Observer receives human-readable diagnostics for per-block and
// per-record failures. A nil Observer is valid; failures are
// then silently absorbed, same as passing a no-op implementation.
type Observer interface {
	Warnf(format string, args ...any)
}

// Callback is the consumer-implemented rendering sink.
type Callback interface {
	RenderPointOfInterest(layer int8, lat, lon int32, tags []model.Tag)
	RenderWay(layer int8, tags []model.Tag, coords []float32, lengths []int32, tagsChanged bool)
}

// WaterBackgroundRenderer is an optional extension a Callback may also
// implement to receive a synthesized water-tile background, called once
// per query when every block the query visited carries the water flag in
// its index entry; left out of the base Callback interface so existing
// implementations are unaffected.
type WaterBackgroundRenderer interface {
	RenderWaterBackground()
}

// WayStringRefs captures the string-pool references and label position a
// way record may carry, resolved by the caller (typically via
// Decoder.ReadString) during the RenderWay call currently in flight —
// the fields are only meaningful until the next way is processed.
type WayStringRefs struct {
	NameRef            int32 // -1 if absent
	HouseNumberRef     int32
	RefRef             int32
	HasLabelPosition   bool
	LabelLat, LabelLon int32
}

// Params carries everything ProcessBlock needs beyond the raw bytes:
// the query's resolved zoom parameters, this block's geographic origin,
// and the header-supplied tag tables.
type Params struct {
	DebugFile        bool
	QueryZoomLevel   uint8
	ZoomLevelMin     uint8
	ZoomLevelMax     uint8
	TileLat, TileLon int32
	UseTileBitmask   bool
	QueryTileBitmask uint16
	POITags          []model.Tag
	WayTags          []model.Tag

	MaxWayNodes int   // scratch sizing bound
	MinDeltaLat int32 // small-node filtering thresholds; 0 disables
	MinDeltaLon int32
}

var (
	// ErrInvalidSignature is returned when a debug block/POI/way
	// signature doesn't match its expected prefix.
	ErrInvalidSignature = errors.New("blockdecoder: invalid debug signature")
	// ErrInvalidZoomTable is returned when decoded cumulative counts are
	// not monotonic or exceed the valid range.
	ErrInvalidZoomTable = errors.New("blockdecoder: invalid zoom table")
	// ErrInvalidFirstWayOffset is returned when the computed first-way
	// offset falls outside the buffer.
	ErrInvalidFirstWayOffset = errors.New("blockdecoder: invalid first-way offset")
	// ErrQueryZoomOutOfRange is returned when the query zoom level falls
	// outside [zoomLevelMin, zoomLevelMax].
	ErrQueryZoomOutOfRange = errors.New("blockdecoder: query zoom level out of range")
)

// zoomRow is one (cumulative POIs, cumulative ways) pair from the
// per-block zoom table.
type zoomRow struct {
	cumPOIs, cumWays uint32
}

// Decoder iterates one block's POI and way sequences, reusing its
// scratch buffers across calls to keep the hot path allocation-free.
type Decoder struct {
	observer Observer

	zoomTable []zoomRow

	coordScratch []int32   // raw decoded deltas for one coordinate block
	outCoords    []float32 // shared flat output buffer across all ways
	outLengths   []int32   // per-coordinate-block lengths, reused per way

	// lastWayRefs captures the most recently decoded way's string refs
	// and label position; it is overwritten by the next way decoded.
	lastWayRefs WayStringRefs
}

// New creates a Decoder. outCoordsCapacity bounds the shared geometry
// buffer every decoded way's coordinates are written into.
func New(observer Observer, outCoordsCapacity int) *Decoder {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Decoder{
		observer:   observer,
		outCoords:  make([]float32, outCoordsCapacity),
		outLengths: make([]int32, 0, 64),
	}
}

type noopObserver struct{}

func (noopObserver) Warnf(string, ...any) {}

// LastWayStringRefs returns the string-pool references and label
// position belonging to the way most recently passed to RenderWay.
func (d *Decoder) LastWayStringRefs() WayStringRefs { return d.lastWayRefs }

// ProcessBlock decodes one block's debug signature (if present), zoom
// table, POI sequence and way sequence, invoking callback as objects are
// decoded. A returned error means the block should be skipped in its
// entirety and iteration should continue with the next block; it never indicates the whole query must abort.
func (d *Decoder) ProcessBlock(buf *readbuffer.Buffer, params Params, callback Callback) error {
	if params.DebugFile {
		sig, err := buf.ReadUTF8StringFixed(debugSignatureLength)
		if err != nil {
			return fmt.Errorf("block signature: %w", err)
		}
		if !strings.HasPrefix(sig, tileStartSignature) {
			return fmt.Errorf("%w: block signature %q", ErrInvalidSignature, sig)
		}
	}

	if err := d.readZoomTable(buf, params.ZoomLevelMin, params.ZoomLevelMax); err != nil {
		return err
	}

	if params.QueryZoomLevel < params.ZoomLevelMin || params.QueryZoomLevel > params.ZoomLevelMax {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrQueryZoomOutOfRange, params.QueryZoomLevel, params.ZoomLevelMin, params.ZoomLevelMax)
	}
	row := d.zoomTable[params.QueryZoomLevel-params.ZoomLevelMin]

	firstWayOffsetDelta, err := buf.ReadUnsignedInt()
	if err != nil {
		return fmt.Errorf("first-way offset: %w", err)
	}
	firstWayOffset := buf.Position() + int(firstWayOffsetDelta)
	if firstWayOffset > buf.BufferSize() {
		return fmt.Errorf("%w: %d > buffer size %d", ErrInvalidFirstWayOffset, firstWayOffset, buf.BufferSize())
	}

	d.processPOIs(buf, int(row.cumPOIs), params, callback)

	if buf.Position() > firstWayOffset {
		d.observer.Warnf("blockdecoder: POI sequence overran first-way offset (%d > %d); skipping way sequence", buf.Position(), firstWayOffset)
		return nil
	}

	if err := buf.SetPosition(firstWayOffset); err != nil {
		return fmt.Errorf("seek to first way: %w", err)
	}
	d.processWays(buf, int(row.cumWays), params, callback)
	return nil
}

// readZoomTable reads (zoomLevelMax-zoomLevelMin+1) rows of cumulative
// (POIs, ways) counts, validating they are monotonic and within
// [0, 65536].
func (d *Decoder) readZoomTable(buf *readbuffer.Buffer, zoomLevelMin, zoomLevelMax uint8) error {
	rows := int(zoomLevelMax) - int(zoomLevelMin) + 1
	if rows <= 0 {
		return fmt.Errorf("%w: non-positive row count %d", ErrInvalidZoomTable, rows)
	}
	if cap(d.zoomTable) < rows {
		d.zoomTable = make([]zoomRow, rows)
	}
	d.zoomTable = d.zoomTable[:rows]

	var prevPOIs, prevWays uint32
	for i := 0; i < rows; i++ {
		cumPOIs, err := buf.ReadUnsignedInt()
		if err != nil {
			return fmt.Errorf("zoom table POI count: %w", err)
		}
		cumWays, err := buf.ReadUnsignedInt()
		if err != nil {
			return fmt.Errorf("zoom table way count: %w", err)
		}
		if cumPOIs > 65536 || cumWays > 65536 || cumPOIs < prevPOIs || cumWays < prevWays {
			return fmt.Errorf("%w: row %d (%d,%d) after (%d,%d)", ErrInvalidZoomTable, i, cumPOIs, cumWays, prevPOIs, prevWays)
		}
		d.zoomTable[i] = zoomRow{cumPOIs: cumPOIs, cumWays: cumWays}
		prevPOIs, prevWays = cumPOIs, cumWays
	}
	return nil
}

// processPOIs decodes up to n POI records, stopping (but not erroring)
// at the first validation failure.
func (d *Decoder) processPOIs(buf *readbuffer.Buffer, n int, params Params, callback Callback) {
	for i := 0; i < n; i++ {
		if params.DebugFile {
			sig, err := buf.ReadUTF8StringFixed(debugSignatureLength)
			if err != nil || !strings.HasPrefix(sig, poiStartSignature) {
				d.observer.Warnf("blockdecoder: invalid POI signature at POI %d/%d: %v", i, n, err)
				return
			}
		}

		dLat, err := buf.ReadSignedInt()
		if err != nil {
			d.observer.Warnf("blockdecoder: POI %d/%d latitude: %v", i, n, err)
			return
		}
		dLon, err := buf.ReadSignedInt()
		if err != nil {
			d.observer.Warnf("blockdecoder: POI %d/%d longitude: %v", i, n, err)
			return
		}

		flag, err := buf.ReadByte()
		if err != nil {
			d.observer.Warnf("blockdecoder: POI %d/%d flag byte: %v", i, n, err)
			return
		}
		layer := int8((flag>>4)&0x0F) - 5
		tagCount := int(flag & 0x0F)

		tags, err := buf.ReadTags(params.POITags, tagCount)
		if err != nil {
			d.observer.Warnf("blockdecoder: POI %d/%d tags: %v", i, n, err)
			return
		}

		rawFeature, err := buf.ReadByte()
		if err != nil {
			d.observer.Warnf("blockdecoder: POI %d/%d feature byte: %v", i, n, err)
			return
		}
		feature := uint8(rawFeature)
		if feature&poiFeatureName != 0 {
			if _, err := buf.ReadUTF8String(); err != nil {
				d.observer.Warnf("blockdecoder: POI %d/%d name: %v", i, n, err)
				return
			}
		}
		if feature&poiFeatureHouseNumber != 0 {
			if _, err := buf.ReadUTF8String(); err != nil {
				d.observer.Warnf("blockdecoder: POI %d/%d house number: %v", i, n, err)
				return
			}
		}
		if feature&poiFeatureElevation != 0 {
			if _, err := buf.ReadSignedInt(); err != nil {
				d.observer.Warnf("blockdecoder: POI %d/%d elevation: %v", i, n, err)
				return
			}
		}

		callback.RenderPointOfInterest(layer, params.TileLat+dLat, params.TileLon+dLon, tags)
	}
}

// processWays decodes up to n way records. When the planner
// set UseTileBitmask, non-matching ways are skipped wholesale via
// buf.SkipWays instead of being fully parsed.
func (d *Decoder) processWays(buf *readbuffer.Buffer, n int, params Params, callback Callback) {
	stringsSize, err := buf.ReadUnsignedInt()
	if err != nil {
		d.observer.Warnf("blockdecoder: way strings size: %v", err)
		return
	}
	stringPoolBase := buf.Position()
	if err := buf.Skip(int(stringsSize)); err != nil {
		d.observer.Warnf("blockdecoder: way strings block: %v", err)
		return
	}

	remaining := n
	for remaining > 0 {
		if params.DebugFile {
			sig, err := buf.ReadUTF8StringFixed(debugSignatureLength)
			if err != nil || !strings.HasPrefix(sig, wayStartSignature) {
				d.observer.Warnf("blockdecoder: invalid way signature: %v", err)
				return
			}
		}

		var boundary int
		var sharedTags []model.Tag

		if params.UseTileBitmask {
			newRemaining, lastSkipped, err := buf.SkipWays(params.QueryTileBitmask, remaining)
			if err != nil {
				d.observer.Warnf("blockdecoder: skipWays: %v", err)
				return
			}
			remaining = newRemaining
			if remaining <= 0 {
				return
			}
			if lastSkipped >= 0 {
				if t, err := buf.TagsAt(lastSkipped, params.WayTags); err == nil {
					sharedTags = t
				}
			}
			// boundary is unknown in this path: SkipWays consumed the
			// matched way's (size, bitmask) header along with those of
			// the skipped ways, but it does not return the matched
			// way's size, so there is no size field to bound against
			// here. 0 disables the post-decode reseek in
			// processOneWay, leaving the cursor wherever the way's own
			// decode left it so the next loop iteration's SkipWays call
			// picks up immediately after this way instead of at EOF.
			boundary = 0
		} else {
			sizePos := buf.Position()
			wayDataSize, err := buf.ReadUnsignedInt()
			if err != nil {
				d.observer.Warnf("blockdecoder: way data size: %v", err)
				return
			}
			if wayDataSize < 2 {
				d.observer.Warnf("blockdecoder: way data size %d too small", wayDataSize)
				return
			}
			if _, err := buf.ReadShort(); err != nil { // skip unused tile bitmask
				d.observer.Warnf("blockdecoder: way tile bitmask: %v", err)
				return
			}
			boundary = sizePos + (buf.Position() - sizePos) + int(wayDataSize) - 2
		}

		tagsChanged, err := d.processOneWay(buf, params, callback, boundary, sharedTags, stringPoolBase)
		if err != nil {
			d.observer.Warnf("blockdecoder: way record: %v", err)
			return
		}
		_ = tagsChanged
		remaining--
	}
}

// processOneWay reads one way's flag byte, tags, feature byte and all of
// its way-data-blocks, emitting one RenderWay call per data block.
func (d *Decoder) processOneWay(buf *readbuffer.Buffer, params Params, callback Callback, boundary int, sharedTags []model.Tag, stringPoolBase int) (bool, error) {
	flag, err := buf.ReadByte()
	if err != nil {
		return false, fmt.Errorf("flag byte: %w", err)
	}
	layer := int8((flag>>4)&0x0F) - 5
	tagCount := int(flag & 0x0F)

	var tags []model.Tag
	tagsChanged := true
	if tagCount == 0 && sharedTags != nil {
		tags = sharedTags
		tagsChanged = false
	} else {
		tags, err = buf.ReadTags(params.WayTags, tagCount)
		if err != nil {
			return false, fmt.Errorf("tags: %w", err)
		}
	}

	rawFeature, err := buf.ReadByte()
	if err != nil {
		return false, fmt.Errorf("feature byte: %w", err)
	}
	feature := uint8(rawFeature)

	refs := WayStringRefs{NameRef: -1, HouseNumberRef: -1, RefRef: -1}
	if feature&wayFeatureName != 0 {
		ref, err := buf.ReadUnsignedInt()
		if err != nil {
			return false, fmt.Errorf("name ref: %w", err)
		}
		refs.NameRef = int32(stringPoolBase + int(ref))
	}
	if feature&wayFeatureHouseNumber != 0 {
		ref, err := buf.ReadUnsignedInt()
		if err != nil {
			return false, fmt.Errorf("house number ref: %w", err)
		}
		refs.HouseNumberRef = int32(stringPoolBase + int(ref))
	}
	if feature&wayFeatureRef != 0 {
		ref, err := buf.ReadUnsignedInt()
		if err != nil {
			return false, fmt.Errorf("ref ref: %w", err)
		}
		refs.RefRef = int32(stringPoolBase + int(ref))
	}
	if feature&wayFeatureLabelPosition != 0 {
		dLat, err := buf.ReadSignedInt()
		if err != nil {
			return false, fmt.Errorf("label lat: %w", err)
		}
		dLon, err := buf.ReadSignedInt()
		if err != nil {
			return false, fmt.Errorf("label lon: %w", err)
		}
		refs.HasLabelPosition = true
		refs.LabelLat = params.TileLat + dLat
		refs.LabelLon = params.TileLon + dLon
	}

	dataBlocks := uint32(1)
	if feature&wayFeatureDataBlocks != 0 {
		dataBlocks, err = buf.ReadUnsignedInt()
		if err != nil {
			return false, fmt.Errorf("data block count: %w", err)
		}
	}
	doubleDelta := feature&wayFeatureDoubleDelta != 0

	d.lastWayRefs = refs

	for i := uint32(0); i < dataBlocks; i++ {
		total, lengths, err := d.processWayDataBlock(buf, doubleDelta, params)
		if err != nil {
			return tagsChanged, fmt.Errorf("data block %d/%d: %w", i, dataBlocks, err)
		}
		callback.RenderWay(layer, tags, d.outCoords[:total], lengths, tagsChanged && i == 0)
	}

	if boundary > 0 && boundary <= buf.BufferSize() {
		if buf.Position() != boundary {
			_ = buf.SetPosition(boundary)
		}
	}
	return tagsChanged, nil
}

// processWayDataBlock decodes one way-data-block's coordinate blocks
// into the shared outCoords buffer, returning the total
// number of floats written and the per-coordinate-block lengths.
func (d *Decoder) processWayDataBlock(buf *readbuffer.Buffer, doubleDelta bool, params Params) (int, []int32, error) {
	numCoordBlocks, err := buf.ReadUnsignedInt()
	if err != nil {
		return 0, nil, fmt.Errorf("coordinate block count: %w", err)
	}
	if numCoordBlocks < 1 || numCoordBlocks > 32767 {
		return 0, nil, fmt.Errorf("coordinate block count %d out of range", numCoordBlocks)
	}

	if cap(d.outLengths) < int(numCoordBlocks) {
		d.outLengths = make([]int32, numCoordBlocks)
	}
	lengths := d.outLengths[:numCoordBlocks]

	maxNodes := params.MaxWayNodes
	if maxNodes <= 0 {
		maxNodes = 8192
	}
	if cap(d.coordScratch) < maxNodes*2 {
		d.coordScratch = make([]int32, maxNodes*2)
	}

	outPos := 0
	for cb := uint32(0); cb < numCoordBlocks; cb++ {
		nodeCount, err := buf.ReadUnsignedInt()
		if err != nil {
			return 0, nil, fmt.Errorf("node count: %w", err)
		}
		if nodeCount < 2 || nodeCount > 8192 || int(nodeCount) > maxNodes {
			return 0, nil, fmt.Errorf("node count %d out of range", nodeCount)
		}

		deltas := d.coordScratch[:nodeCount*2]
		if err := buf.ReadSignedIntArray(deltas); err != nil {
			return 0, nil, fmt.Errorf("coordinate deltas: %w", err)
		}

		if outPos+int(nodeCount)*2 > len(d.outCoords) {
			return 0, nil, fmt.Errorf("way geometry buffer exhausted (capacity %d)", len(d.outCoords))
		}

		written := decodeCoordinates(deltas, int(nodeCount), doubleDelta, params.TileLat, params.TileLon, d.outCoords[outPos:], params.MinDeltaLat, params.MinDeltaLon)
		lengths[cb] = int32(written)
		outPos += written
	}

	return outPos, lengths, nil
}

// decodeCoordinates turns nodeCount (lat,lon) deltas into interleaved
// (lon,lat) float32 pairs in out, applying either single-delta or
// double-delta accumulation, and optionally eliding
// intermediate nodes whose step is below (minDeltaLat, minDeltaLon) —
// the first and last nodes are always kept. Returns the number of float32 values written.
func decodeCoordinates(deltas []int32, nodeCount int, doubleDelta bool, tileLat, tileLon int32, out []float32, minDeltaLat, minDeltaLon int32) int {
	lat := tileLat + deltas[0]
	lon := tileLon + deltas[1]
	out[0] = float32(lon)
	out[1] = float32(lat)
	written := 2

	var runningDLat, runningDLon int32
	prevLat, prevLon := lat, lon

	for i := 1; i < nodeCount; i++ {
		var dLat, dLon int32
		if doubleDelta {
			runningDLat += deltas[2*i]
			runningDLon += deltas[2*i+1]
			dLat, dLon = runningDLat, runningDLon
		} else {
			dLat, dLon = deltas[2*i], deltas[2*i+1]
		}

		lat = prevLat + dLat
		lon = prevLon + dLon

		isLast := i == nodeCount-1
		if !isLast && abs32(dLat) < minDeltaLat && abs32(dLon) < minDeltaLon {
			prevLat, prevLon = lat, lon
			continue
		}

		out[written] = float32(lon)
		out[written+1] = float32(lat)
		written += 2
		prevLat, prevLon = lat, lon
	}

	return written
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
