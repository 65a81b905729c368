package blockdecoder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/mapforge/internal/model"
	"github.com/kelindar/mapforge/internal/readbuffer"
)

// recordingCallback captures every RenderPointOfInterest/RenderWay call
// for assertions.
type recordingCallback struct {
	pois []poiCall
	ways []wayCall
}

type poiCall struct {
	layer    int8
	lat, lon int32
	tags     []model.Tag
}

type wayCall struct {
	layer       int8
	tags        []model.Tag
	coords      []float32
	lengths     []int32
	tagsChanged bool
}

func (r *recordingCallback) RenderPointOfInterest(layer int8, lat, lon int32, tags []model.Tag) {
	r.pois = append(r.pois, poiCall{layer, lat, lon, append([]model.Tag{}, tags...)})
}

func (r *recordingCallback) RenderWay(layer int8, tags []model.Tag, coords []float32, lengths []int32, tagsChanged bool) {
	r.ways = append(r.ways, wayCall{
		layer:       layer,
		tags:        append([]model.Tag{}, tags...),
		coords:      append([]float32{}, coords...),
		lengths:     append([]int32{}, lengths...),
		tagsChanged: tagsChanged,
	})
}

type recordingObserver struct {
	warnings []string
}

func (r *recordingObserver) Warnf(format string, args ...any) {
	r.warnings = append(r.warnings, format)
}

// --- byte encoding helpers, mirroring internal/readbuffer's test helpers ---

func putUvarint(buf *bytes.Buffer, v uint32) {
	for v >= 0x80 {
		buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func putSvarint(buf *bytes.Buffer, v int32) {
	neg := v < 0
	if neg {
		v = -v
	}
	for v >= 0x40 {
		buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	last := byte(v) & 0x3f
	if neg {
		last |= 0x40
	}
	buf.WriteByte(last)
}

// zoomTableBytes builds a single-row zoom table (zoomLevelMin==zoomLevelMax)
// with the given cumulative POI/way counts.
func zoomTableRow(buf *bytes.Buffer, cumPOIs, cumWays uint32) {
	putUvarint(buf, cumPOIs)
	putUvarint(buf, cumWays)
}

func loadBuffer(t *testing.T, data []byte) *readbuffer.Buffer {
	t.Helper()
	b := readbuffer.New(len(data) + 64)
	require.NoError(t, b.ReadFromFile(bytes.NewReader(data), 0, len(data)))
	return b
}

// buildBlock assembles a full block body: zoom table row, first-way-offset
// delta, poiBytes, wayBytes. firstWayOffsetDelta is relative to the
// position right after the delta itself.
func buildBlock(cumPOIs, cumWays uint32, poiBytes, wayBytes []byte) []byte {
	var buf bytes.Buffer
	zoomTableRow(&buf, cumPOIs, cumWays)
	putUvarint(&buf, uint32(len(poiBytes)))
	buf.Write(poiBytes)
	buf.Write(wayBytes)
	return buf.Bytes()
}

func baseParams() Params {
	return Params{
		QueryZoomLevel: 10,
		ZoomLevelMin:   10,
		ZoomLevelMax:   10,
		TileLat:        52_000_000,
		TileLon:        13_000_000,
		MaxWayNodes:    128,
	}
}

func TestProcessBlockEmptyBlock(t *testing.T) {
	data := buildBlock(0, 0, nil, encodeWayStringsBlock(nil))
	buf := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	err := dec.ProcessBlock(buf, baseParams(), cb)
	require.NoError(t, err)
	assert.Empty(t, cb.pois)
	assert.Empty(t, cb.ways)
}

func TestProcessBlockOnePOINoFeatures(t *testing.T) {
	var poiBuf bytes.Buffer
	putSvarint(&poiBuf, 100)  // dLat
	putSvarint(&poiBuf, -200) // dLon
	poiBuf.WriteByte(byte((10 << 4) | 0)) // layer biased 10-5=5, tagCount 0
	poiBuf.WriteByte(0)                   // feature byte: nothing set

	data := buildBlock(1, 0, poiBuf.Bytes(), encodeWayStringsBlock(nil))
	buf := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	params := baseParams()
	err := dec.ProcessBlock(buf, params, cb)
	require.NoError(t, err)
	require.Len(t, cb.pois, 1)
	assert.EqualValues(t, 5, cb.pois[0].layer)
	assert.EqualValues(t, params.TileLat+100, cb.pois[0].lat)
	assert.EqualValues(t, params.TileLon-200, cb.pois[0].lon)
	assert.Empty(t, cb.pois[0].tags)
}

// encodeWayStringsBlock wraps a way sequence with its required leading
// VBE-U string-pool size field.
func encodeWayStringsBlock(ways []byte) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, 0) // empty string pool
	buf.Write(ways)
	return buf.Bytes()
}

// buildWaySingleDelta builds one way record with two nodes, single-delta
// coordinates, no string refs, no extra data blocks, tagCount tags.
func buildWaySingleDelta(tagIndices []uint32, nodes [][2]int32) []byte {
	var buf bytes.Buffer

	var body bytes.Buffer
	body.WriteByte(byte((10 << 4) | len(tagIndices))) // layer bias 5, tagCount
	for _, idx := range tagIndices {
		putUvarint(&body, idx)
	}
	body.WriteByte(0) // feature byte: no name/houseNumber/ref/label/extra blocks/double-delta
	putUvarint(&body, 1) // 1 coordinate block
	putUvarint(&body, uint32(len(nodes)))
	for i, n := range nodes {
		if i == 0 {
			putSvarint(&body, n[0])
			putSvarint(&body, n[1])
		} else {
			putSvarint(&body, n[0])
			putSvarint(&body, n[1])
		}
	}

	dataSize := uint32(2 + body.Len())
	putUvarint(&buf, dataSize)
	buf.WriteByte(0) // tile bitmask hi (unused in non-bitmask path)
	buf.WriteByte(0) // tile bitmask lo
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestProcessBlockOneWaySingleDeltaTwoNodes(t *testing.T) {
	way := buildWaySingleDelta([]uint32{0}, [][2]int32{{10, 20}, {5, -5}})
	data := buildBlock(0, 1, nil, encodeWayStringsBlock(way))
	buf := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	params := baseParams()
	params.WayTags = []model.Tag{{Key: "highway", Value: "residential"}}
	err := dec.ProcessBlock(buf, params, cb)
	require.NoError(t, err)
	require.Len(t, cb.ways, 1)

	w := cb.ways[0]
	assert.EqualValues(t, 5, w.layer)
	require.Len(t, w.tags, 1)
	assert.Equal(t, "highway", w.tags[0].Key)
	assert.True(t, w.tagsChanged)
	require.Equal(t, []int32{4}, w.lengths)

	wantLon0 := float32(params.TileLon + 20)
	wantLat0 := float32(params.TileLat + 10)
	wantLon1 := float32(params.TileLon + 20 - 5)
	wantLat1 := float32(params.TileLat + 10 + 5)
	assert.Equal(t, []float32{wantLon0, wantLat0, wantLon1, wantLat1}, w.coords)
}

// buildWayDoubleDelta builds one way with three nodes using double-delta
// accumulation and the double-delta feature bit set.
func buildWayDoubleDelta(deltas [][2]int32) []byte {
	var buf bytes.Buffer
	var body bytes.Buffer
	body.WriteByte(byte((10 << 4) | 0))
	body.WriteByte(wayFeatureDoubleDelta)
	putUvarint(&body, 1)
	putUvarint(&body, uint32(len(deltas)))
	for _, d := range deltas {
		putSvarint(&body, d[0])
		putSvarint(&body, d[1])
	}

	dataSize := uint32(2 + body.Len())
	putUvarint(&buf, dataSize)
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestProcessBlockDoubleDeltaThreeNodesIsStraightLine(t *testing.T) {
	// First node absolute delta (0,0); then two identical (+10,+10) steps:
	// double-delta means the second step's *acceleration* is zero, so the
	// path continues in a straight line.
	way := buildWayDoubleDelta([][2]int32{{0, 0}, {10, 10}, {0, 0}})
	data := buildBlock(0, 1, nil, encodeWayStringsBlock(way))
	buf := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	params := baseParams()
	// Keep the origin below 2^24 so every micro-degree value is exactly
	// representable as float32 and the step comparison sees no rounding.
	params.TileLat = 10_000_000
	err := dec.ProcessBlock(buf, params, cb)
	require.NoError(t, err)
	require.Len(t, cb.ways, 1)

	coords := cb.ways[0].coords
	require.Len(t, coords, 6)
	dLon1 := coords[2] - coords[0]
	dLat1 := coords[3] - coords[1]
	dLon2 := coords[4] - coords[2]
	dLat2 := coords[5] - coords[3]
	assert.Equal(t, dLon1, dLon2, "equal consecutive steps under double-delta stay collinear")
	assert.Equal(t, dLat1, dLat2)
}

func TestProcessBlockWayBitmaskSkipsNonMatching(t *testing.T) {
	var buf bytes.Buffer

	// way 1: mask 0x0001, does not intersect query mask 0x8000
	var w1 bytes.Buffer
	w1Body := []byte{0xAA, 0xBB}
	putUvarint(&w1, uint32(2+len(w1Body)))
	w1.WriteByte(0x00)
	w1.WriteByte(0x01)
	w1.Write(w1Body)

	// way 2: mask 0x8000, matches
	way2 := buildWaySingleDelta([]uint32{0}, [][2]int32{{1, 1}, {2, 2}})
	// patch way2's tile bitmask (bytes 1-2 of its encoding, after the
	// leading size varint) to 0x8000 so it matches the query mask.
	way2Patched := append([]byte{}, way2...)
	// locate size varint length by re-deriving it the same way buildWaySingleDelta does
	sizeLen := 1
	for v := way2Patched[0]; v&0x80 != 0; {
		sizeLen++
		v = way2Patched[sizeLen-1]
		if sizeLen > 5 {
			break
		}
	}
	way2Patched[sizeLen] = 0x80
	way2Patched[sizeLen+1] = 0x00

	buf.Write(w1.Bytes())
	buf.Write(way2Patched)

	data := buildBlock(0, 2, nil, encodeWayStringsBlock(buf.Bytes()))
	rb := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	params := baseParams()
	params.UseTileBitmask = true
	params.QueryTileBitmask = 0x8000
	params.WayTags = []model.Tag{{Key: "k", Value: "v"}}
	err := dec.ProcessBlock(rb, params, cb)
	require.NoError(t, err)
	require.Len(t, cb.ways, 1, "the non-matching way should be skipped wholesale, not rendered")
}

func TestProcessBlockInvalidZoomTableCountStopsDecoding(t *testing.T) {
	data := buildBlock(0, 0, nil, encodeWayStringsBlock(nil))
	rb := loadBuffer(t, data)

	dec := New(nil, 1024)
	cb := &recordingCallback{}
	params := baseParams()
	params.ZoomLevelMin = 10
	params.ZoomLevelMax = 9 // invalid: max < min
	err := dec.ProcessBlock(rb, params, cb)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidZoomTable)
}

func TestProcessBlockDebugSignatureMismatchSkipsBlock(t *testing.T) {
	inner := buildBlock(0, 0, nil, encodeWayStringsBlock(nil))
	var data bytes.Buffer
	data.WriteString("WRONGSIGNATURE")
	data.Write(make([]byte, debugSignatureLength-len("WRONGSIGNATURE")))
	data.Write(inner)

	rb := loadBuffer(t, data.Bytes())
	dec := New(nil, 4096)
	cb := &recordingCallback{}
	params := baseParams()
	params.DebugFile = true
	err := dec.ProcessBlock(rb, params, cb)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestProcessBlockDebugSignatureMatchesAndContinues(t *testing.T) {
	inner := buildBlock(0, 0, nil, encodeWayStringsBlock(nil))
	var data bytes.Buffer
	sig := make([]byte, debugSignatureLength)
	copy(sig, tileStartSignature)
	data.Write(sig)
	data.Write(inner)

	rb := loadBuffer(t, data.Bytes())
	dec := New(nil, 4096)
	cb := &recordingCallback{}
	params := baseParams()
	params.DebugFile = true
	err := dec.ProcessBlock(rb, params, cb)
	require.NoError(t, err)
}

func TestObserverReceivesWarningOnMalformedPOI(t *testing.T) {
	// cumPOIs claims one POI record but the buffer ends immediately
	// after the first-way-offset delta, so even the latitude read fails.
	data := buildBlock(1, 0, nil, nil)
	rb := loadBuffer(t, data)

	obs := &recordingObserver{}
	dec := New(obs, 1024)
	cb := &recordingCallback{}
	err := dec.ProcessBlock(rb, baseParams(), cb)
	require.NoError(t, err, "a per-record failure degrades to a warning, not a block error")
	assert.Empty(t, cb.pois)
	assert.NotEmpty(t, obs.warnings)
}
