package mapforge

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"codeberg.org/go-mmap/mmap"

	"github.com/kelindar/mapforge/internal/blockdecoder"
	"github.com/kelindar/mapforge/internal/indexcache"
	"github.com/kelindar/mapforge/internal/mercator"
	"github.com/kelindar/mapforge/internal/query"
	"github.com/kelindar/mapforge/internal/readbuffer"
)

const (
	stateClosed int32 = 0
	stateOpen   int32 = 1
)

// Errors returned by Decoder methods. File-open failures are reported
// through FileOpenResult instead; these cover misuse and the
// catastrophic error class.
var (
	ErrNoFileOpen       = errors.New("mapforge: no file open")
	ErrInvalidBlockSize = errors.New("mapforge: computed block size is negative")
)

// Option configures a Decoder at Open time.
type Option func(*Decoder)

// WithIndexCacheCapacity overrides the number of resident 128-entry
// index chunks kept in memory (default indexcache.DefaultCapacity).
func WithIndexCacheCapacity(capacity int) Option {
	return func(d *Decoder) { d.indexCacheCapacity = capacity }
}

// WithMaxBlockSize bounds how many bytes of a sub-file are read into the
// block buffer per block (default 2MiB, generous for typical mapsforge
// tiles).
func WithMaxBlockSize(n int) Option {
	return func(d *Decoder) { d.maxBlockSize = n }
}

// WithMaxWayNodes bounds the scratch coordinate-delta buffer's capacity
// per coordinate block (default 8192 nodes).
func WithMaxWayNodes(n int) Option {
	return func(d *Decoder) { d.maxWayNodes = n }
}

// WithWayGeometryCapacity sizes the shared flat float32 buffer all
// decoded way coordinates are written into (default 100,000 floats).
func WithWayGeometryCapacity(n int) Option {
	return func(d *Decoder) { d.wayGeometryCapacity = n }
}

// WithSmallNodeFilter sets the minimum (lat, lon) delta, in
// micro-degrees, an intermediate way node must clear to be kept;
// smaller steps are elided except for the first and last node of a
// coordinate block. Defaults to (0, 0): no filtering.
func WithSmallNodeFilter(minDeltaLat, minDeltaLon int32) Option {
	return func(d *Decoder) {
		d.minDeltaLat = minDeltaLat
		d.minDeltaLon = minDeltaLon
	}
}

// WithWaterBackground enables synthesizing a single
// RenderWaterBackground call (on callbacks implementing
// WaterBackgroundRenderer) when every block visited by a query has its
// index entry's water flag set.
func WithWaterBackground() Option {
	return func(d *Decoder) { d.waterBackground = true }
}

// WithObserver sets the sink for per-block and per-record diagnostics
// (format errors that don't abort the query, per the error taxonomy's
// classes 3 and 4). The default discards them.
func WithObserver(observer blockdecoder.Observer) Option {
	return func(d *Decoder) { d.observer = observer }
}

// Decoder is a random-access reader over one mapsforge binary map file.
// A Decoder is not safe for concurrent use: all of its internal buffers
// are reused across calls, mirroring the single-threaded, zero-allocation
// hot path the format's reference implementation relies on. A caller
// wanting concurrent queries opens multiple Decoders over the same path.
type Decoder struct {
	state atomic.Int32

	file *mmap.File
	path string

	header     mapFileHeader
	indexCache *indexcache.Cache
	buf        *readbuffer.Buffer
	blockDec   *blockdecoder.Decoder
	observer   blockdecoder.Observer

	indexCacheCapacity  int
	maxBlockSize        int
	maxWayNodes         int
	wayGeometryCapacity int
	minDeltaLat         int32
	minDeltaLon         int32
	waterBackground     bool
}

// Open validates and memory-maps the map file at path, parses its
// header, and returns a ready Decoder. The FileOpenResult distinguishes
// a missing/unreadable file from a structurally invalid header; err is
// non-nil in both cases and wraps the underlying I/O error when there is
// one.
func Open(path string, opts ...Option) (*Decoder, FileOpenResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, openFailed("stat %s: %v", path, err), fmt.Errorf("mapforge: %w", err)
	}
	if info.IsDir() {
		res := openFailed("%s is a directory", path)
		return nil, res, errors.New("mapforge: " + res.Reason)
	}

	file, err := mmap.Open(path)
	if err != nil {
		return nil, openFailed("mmap %s: %v", path, err), fmt.Errorf("mapforge: %w", err)
	}

	d := &Decoder{
		file:                file,
		path:                path,
		indexCacheCapacity:  indexcache.DefaultCapacity,
		maxBlockSize:        2 << 20,
		maxWayNodes:         8192,
		wayGeometryCapacity: 100_000,
	}
	for _, opt := range opts {
		opt(d)
	}

	result := d.header.readHeader(file, info.Size())
	if !result.Success {
		file.Close()
		return nil, result, fmt.Errorf("mapforge: invalid header: %s", result.Reason)
	}

	d.indexCache = indexcache.New(file, d.indexCacheCapacity)
	d.buf = readbuffer.New(d.maxBlockSize)
	d.blockDec = blockdecoder.New(d.observer, d.wayGeometryCapacity)
	d.state.Store(stateOpen)
	return d, result, nil
}

// Close releases the memory-mapped file. Close is idempotent.
func (d *Decoder) Close() error {
	if !d.state.CompareAndSwap(stateOpen, stateClosed) {
		return nil
	}
	return d.file.Close()
}

// HasOpenFile reports whether Close has not yet been called.
func (d *Decoder) HasOpenFile() bool {
	return d.state.Load() == stateOpen
}

// GetMapFileInfo returns the parsed header summary.
func (d *Decoder) GetMapFileInfo() (MapFileInfo, error) {
	if !d.HasOpenFile() {
		return MapFileInfo{}, ErrNoFileOpen
	}
	return d.header.info, nil
}

// ExecuteQuery decodes every object covering tile and delivers it to
// callback. Format errors encountered while decoding an individual
// block are logged to the configured Observer and that block is
// skipped; the returned error is reserved for catastrophic failures
// (I/O errors, an index entry pointing outside the file) that abort the
// whole query. The file remains open either way.
func (d *Decoder) ExecuteQuery(tile Tile, callback Callback) error {
	if !d.HasOpenFile() {
		return ErrNoFileOpen
	}

	sub := d.header.getSubFileParameter(tile.Zoom)
	if sub == nil {
		d.warnf("no sub-file covers zoom level %d", tile.Zoom)
		return nil
	}

	queryZoom := d.header.getQueryZoomLevel(tile.Zoom)
	params := query.CalculateBaseTiles(tile.X, tile.Y, queryZoom, sub.bounds())
	params.QueryZoomLevel = queryZoom
	query.CalculateBlocks(&params, sub.bounds())

	visited := 0
	allWater := true
	for by := params.FromBlockY; by <= params.ToBlockY; by++ {
		for bx := params.FromBlockX; bx <= params.ToBlockX; bx++ {
			blockNumber := by*sub.BlocksWidth + bx
			offset, water, err := d.indexCache.GetIndexEntry(indexKeyFor(sub), blockNumber)
			if err != nil {
				return fmt.Errorf("mapforge: index lookup for block %d: %w", blockNumber, err)
			}
			nextOffset, err := d.nextBlockOffset(sub, blockNumber)
			if err != nil {
				return fmt.Errorf("mapforge: index lookup for block %d: %w", blockNumber+1, err)
			}
			blockSize := nextOffset - offset

			visited++
			if !water {
				allWater = false
			}

			switch {
			case blockSize == 0:
				continue
			case blockSize < 0:
				return fmt.Errorf("%w: block %d has negative size (offset %d, next %d)", ErrInvalidBlockSize, blockNumber, offset, nextOffset)
			case blockSize > int64(d.maxBlockSize):
				d.warnf("block %d size %d exceeds maximum buffer size %d, skipping", blockNumber, blockSize, d.maxBlockSize)
				continue
			}

			if err := d.decodeBlock(sub, bx, by, offset, blockSize, &params, callback); err != nil {
				return fmt.Errorf("mapforge: reading block %d: %w", blockNumber, err)
			}
		}
	}

	if d.waterBackground && visited > 0 && allWater {
		if wbr, ok := callback.(WaterBackgroundRenderer); ok {
			wbr.RenderWaterBackground()
		}
	}
	return nil
}

// nextBlockOffset returns the offset (relative to sub.StartAddress) that
// bounds blockNumber's data: the following block's index entry, or the
// end of the sub-file's data region for the last block in the sub-file.
func (d *Decoder) nextBlockOffset(sub *SubFileParameter, blockNumber uint32) (int64, error) {
	if blockNumber+1 >= sub.NumberOfBlocks {
		return sub.IndexStartAddress + sub.SubFileSize - sub.StartAddress, nil
	}
	offset, _, err := d.indexCache.GetIndexEntry(indexKeyFor(sub), blockNumber+1)
	return offset, err
}

// decodeBlock loads the raw bytes of one block into the shared buffer
// and hands it to the block decoder. A returned error means the load
// itself failed (catastrophic); errors from decoding the loaded bytes
// are logged and swallowed here, matching the per-block error class.
func (d *Decoder) decodeBlock(sub *SubFileParameter, bx, by uint32, offset, size int64, params *query.Parameters, callback Callback) error {
	absolute := sub.StartAddress + offset
	if err := d.buf.ReadFromFile(d.file, absolute, int(size)); err != nil {
		return err
	}

	absTileX := sub.BoundaryTileLeft + bx
	absTileY := sub.BoundaryTileTop + by
	tileLat, tileLon := mercator.TileOriginMicroDegrees(uint64(absTileX), uint64(absTileY), sub.BaseZoomLevel)

	bp := blockdecoder.Params{
		DebugFile:        d.header.info.DebugFile,
		QueryZoomLevel:   params.QueryZoomLevel,
		ZoomLevelMin:     sub.ZoomLevelMin,
		ZoomLevelMax:     sub.ZoomLevelMax,
		TileLat:          tileLat,
		TileLon:          tileLon,
		UseTileBitmask:   params.UseTileBitmask,
		QueryTileBitmask: params.QueryTileBitmask,
		POITags:          d.header.info.POITags,
		WayTags:          d.header.info.WayTags,
		MaxWayNodes:      d.maxWayNodes,
		MinDeltaLat:      d.minDeltaLat,
		MinDeltaLon:      d.minDeltaLon,
	}

	if err := d.blockDec.ProcessBlock(d.buf, bp, callback); err != nil {
		d.warnf("block (%d,%d): %v", bx, by, err)
	}
	return nil
}

// ReadString reads the length-prefixed UTF-8 string at byte offset ref
// of the current block buffer. ref is an absolute offset into that
// buffer, the form recorded in blockdecoder.WayStringRefs (string-pool
// base already added); an offset relative to the start of the string
// pool is not translated and reads the wrong bytes. ref is only
// meaningful while the way it came from is the one most recently
// delivered to RenderWay: the backing buffer is reused on the next
// block, invalidating any earlier reference.
func (d *Decoder) ReadString(ref int32) (string, error) {
	if ref < 0 {
		return "", nil
	}
	return d.buf.ReadUTF8StringAt(int(ref))
}

// WayName resolves the name string reference of the way most recently
// delivered to RenderWay, if it set one.
func (d *Decoder) WayName() (string, bool, error) {
	return d.resolveWayRef(d.blockDec.LastWayStringRefs().NameRef)
}

// WayHouseNumber resolves the most recent way's house-number reference.
func (d *Decoder) WayHouseNumber() (string, bool, error) {
	return d.resolveWayRef(d.blockDec.LastWayStringRefs().HouseNumberRef)
}

// WayRef resolves the most recent way's "ref" (e.g. a road's route
// number) string reference.
func (d *Decoder) WayRef() (string, bool, error) {
	return d.resolveWayRef(d.blockDec.LastWayStringRefs().RefRef)
}

// WayLabelPosition returns the most recent way's explicit label
// position, if it carried one.
func (d *Decoder) WayLabelPosition() (lat, lon int32, ok bool) {
	refs := d.blockDec.LastWayStringRefs()
	return refs.LabelLat, refs.LabelLon, refs.HasLabelPosition
}

func (d *Decoder) resolveWayRef(ref int32) (string, bool, error) {
	if ref < 0 {
		return "", false, nil
	}
	s, err := d.ReadString(ref)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (d *Decoder) warnf(format string, args ...any) {
	if d.observer != nil {
		d.observer.Warnf(format, args...)
	}
}

func indexKeyFor(sub *SubFileParameter) indexcache.SubFileKey {
	return indexcache.SubFileKey{
		IndexStartAddress: sub.IndexStartAddress,
		NumberOfBlocks:    sub.NumberOfBlocks,
	}
}
