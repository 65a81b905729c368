// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package mapforge

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kelindar/mapforge/internal/model"
	"github.com/kelindar/mapforge/internal/query"
	"github.com/kelindar/mapforge/internal/readbuffer"
)

// magic is the fixed ASCII preamble every map file begins with.
const magic = "mapsforge binary OSM"

const (
	flagDebugFile      = 0x80
	flagStartPosition  = 0x40
	flagStartZoomLevel = 0x20
	flagLanguages      = 0x10
	flagComment        = 0x08
	flagCreatedBy      = 0x04
)

// FileOpenResult reports the outcome of opening and validating a map
// file's header, matching the Decoder API's openFile return type.
type FileOpenResult struct {
	Success bool
	Reason  string
}

func openOK() FileOpenResult { return FileOpenResult{Success: true} }

func openFailed(format string, args ...any) FileOpenResult {
	return FileOpenResult{Reason: fmt.Sprintf(format, args...)}
}

// SubFileParameter describes one base-zoom sub-file's storage layout and
// geographic coverage, as supplied by the header.
type SubFileParameter struct {
	BaseZoomLevel      uint8
	ZoomLevelMin       uint8
	ZoomLevelMax       uint8
	StartAddress       int64
	SubFileSize        int64
	IndexStartAddress  int64
	BoundaryTileTop    uint32
	BoundaryTileLeft   uint32
	BoundaryTileRight  uint32
	BoundaryTileBottom uint32
	BlocksWidth        uint32
	BlocksHeight       uint32
	NumberOfBlocks     uint32
}

func (s SubFileParameter) bounds() query.Bounds {
	return query.Bounds{
		BaseZoomLevel:      s.BaseZoomLevel,
		BoundaryTileLeft:   s.BoundaryTileLeft,
		BoundaryTileTop:    s.BoundaryTileTop,
		BoundaryTileRight:  s.BoundaryTileRight,
		BoundaryTileBottom: s.BoundaryTileBottom,
		BlocksWidth:        s.BlocksWidth,
		BlocksHeight:       s.BlocksHeight,
	}
}

// MapFileInfo is the header summary a Decoder exposes to callers once a
// file is open (the Decoder API's getMapFileInfo).
type MapFileInfo struct {
	FileVersion    uint32
	FileSize       int64
	MapDate        int64
	BoundingBox    [4]int32 // minLat, minLon, maxLat, maxLon, micro-degrees
	TilePixelSize  uint16
	ProjectionName string
	Comment        string
	CreatedBy      string
	DebugFile      bool
	POITags        []model.Tag
	WayTags        []model.Tag
	SubFiles       []SubFileParameter
}

// mapFileHeader is the thin adapter over the on-disk header: it knows
// how to read the header once and answer the two questions the decoder
// core needs afterward (which sub-file answers a zoom level, and what
// zoom level that resolves to).
type mapFileHeader struct {
	info MapFileInfo
}

// readHeader parses the fixed preamble and the variable-length
// metadata/sub-file table into info, matching MapFileHeader.readHeader.
func (h *mapFileHeader) readHeader(r io.ReaderAt, fileSize int64) FileOpenResult {
	buf := readbuffer.New(int(fileSize))
	if fileSize < int64(len(magic)+4) {
		return openFailed("file too small to contain a header")
	}
	if err := buf.ReadFromFile(r, 0, int(fileSize)); err != nil {
		return openFailed("reading file: %v", err)
	}

	sig, err := buf.ReadUTF8StringFixed(len(magic))
	if err != nil || sig != magic {
		return openFailed("bad magic %q", sig)
	}

	if _, err := readUint32(buf); err != nil {
		return openFailed("header size: %v", err)
	}

	fileVersion, err := readUint32(buf)
	if err != nil {
		return openFailed("file version: %v", err)
	}

	declaredSize, err := readUint64(buf)
	if err != nil {
		return openFailed("declared file size: %v", err)
	}

	mapDate, err := readUint64(buf)
	if err != nil {
		return openFailed("map date: %v", err)
	}

	var box [4]int32
	for i := range box {
		v, err := buf.ReadSignedInt()
		if err != nil {
			return openFailed("bounding box: %v", err)
		}
		box[i] = v
	}

	tilePixelSize, err := buf.ReadShort()
	if err != nil {
		return openFailed("tile pixel size: %v", err)
	}

	projectionName, err := buf.ReadUTF8String()
	if err != nil {
		return openFailed("projection name: %v", err)
	}
	projectionName = norm.NFC.String(projectionName)

	flags, err := buf.ReadByte()
	if err != nil {
		return openFailed("flags: %v", err)
	}

	if flags&flagStartPosition != 0 {
		if _, err := buf.ReadSignedInt(); err != nil {
			return openFailed("start position lat: %v", err)
		}
		if _, err := buf.ReadSignedInt(); err != nil {
			return openFailed("start position lon: %v", err)
		}
	}
	if flags&flagStartZoomLevel != 0 {
		if _, err := buf.ReadByte(); err != nil {
			return openFailed("start zoom level: %v", err)
		}
	}
	if flags&flagLanguages != 0 {
		if _, err := buf.ReadUTF8String(); err != nil {
			return openFailed("languages preference: %v", err)
		}
	}
	var comment, createdBy string
	if flags&flagComment != 0 {
		if comment, err = buf.ReadUTF8String(); err != nil {
			return openFailed("comment: %v", err)
		}
		comment = norm.NFC.String(comment)
	}
	if flags&flagCreatedBy != 0 {
		if createdBy, err = buf.ReadUTF8String(); err != nil {
			return openFailed("created-by: %v", err)
		}
		createdBy = norm.NFC.String(createdBy)
	}

	poiTags, err := readTagTable(buf)
	if err != nil {
		return openFailed("POI tag table: %v", err)
	}
	wayTags, err := readTagTable(buf)
	if err != nil {
		return openFailed("way tag table: %v", err)
	}

	numberOfSubFiles, err := buf.ReadByte()
	if err != nil || numberOfSubFiles < 1 {
		return openFailed("number of sub-files: %v", err)
	}

	subFiles := make([]SubFileParameter, 0, numberOfSubFiles)
	for i := int8(0); i < numberOfSubFiles; i++ {
		sub, err := readSubFileParameter(buf)
		if err != nil {
			return openFailed("sub-file %d: %v", i, err)
		}
		subFiles = append(subFiles, sub)
	}

	h.info = MapFileInfo{
		FileVersion:    fileVersion,
		FileSize:       int64(declaredSize),
		MapDate:        int64(mapDate),
		BoundingBox:    box,
		TilePixelSize:  tilePixelSize,
		ProjectionName: projectionName,
		Comment:        comment,
		CreatedBy:      createdBy,
		DebugFile:      uint8(flags)&flagDebugFile != 0,
		POITags:        poiTags,
		WayTags:        wayTags,
		SubFiles:       subFiles,
	}
	return openOK()
}

func readTagTable(buf *readbuffer.Buffer) ([]model.Tag, error) {
	count, err := buf.ReadShort()
	if err != nil {
		return nil, err
	}
	tags := make([]model.Tag, 0, count)
	for i := uint16(0); i < count; i++ {
		raw, err := buf.ReadUTF8String()
		if err != nil {
			return nil, err
		}
		k, v, _ := strings.Cut(norm.NFC.String(raw), "=")
		tags = append(tags, model.Tag{Key: k, Value: v})
	}
	return tags, nil
}

func readSubFileParameter(buf *readbuffer.Buffer) (SubFileParameter, error) {
	var s SubFileParameter
	baseZoom, err := buf.ReadByte()
	if err != nil {
		return s, err
	}
	zoomMin, err := buf.ReadByte()
	if err != nil {
		return s, err
	}
	zoomMax, err := buf.ReadByte()
	if err != nil {
		return s, err
	}
	startAddr, err := readUint64(buf)
	if err != nil {
		return s, err
	}
	indexStartAddr, err := readUint64(buf)
	if err != nil {
		return s, err
	}
	subFileSize, err := readUint64(buf)
	if err != nil {
		return s, err
	}

	var top, left, right, bottom uint32
	for _, dst := range []*uint32{&top, &left, &right, &bottom} {
		v, err := readUint32(buf)
		if err != nil {
			return s, err
		}
		*dst = v
	}

	blocksWidth := right - left + 1
	blocksHeight := bottom - top + 1

	return SubFileParameter{
		BaseZoomLevel:      uint8(baseZoom),
		ZoomLevelMin:       uint8(zoomMin),
		ZoomLevelMax:       uint8(zoomMax),
		StartAddress:       int64(startAddr),
		SubFileSize:        int64(subFileSize),
		IndexStartAddress:  int64(indexStartAddr),
		BoundaryTileTop:    top,
		BoundaryTileLeft:   left,
		BoundaryTileRight:  right,
		BoundaryTileBottom: bottom,
		BlocksWidth:        blocksWidth,
		BlocksHeight:       blocksHeight,
		NumberOfBlocks:     blocksWidth * blocksHeight,
	}, nil
}

func readUint32(buf *readbuffer.Buffer) (uint32, error) {
	hi, err := buf.ReadShort()
	if err != nil {
		return 0, err
	}
	lo, err := buf.ReadShort()
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

func readUint64(buf *readbuffer.Buffer) (uint64, error) {
	hi, err := readUint32(buf)
	if err != nil {
		return 0, err
	}
	lo, err := readUint32(buf)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// getQueryZoomLevel clamps a requested zoom level into the nearest
// sub-file's supported [zoomLevelMin, zoomLevelMax] range, matching
// MapFileHeader.getQueryZoomLevel.
func (h *mapFileHeader) getQueryZoomLevel(rawZoom uint8) uint8 {
	sub := h.getSubFileParameter(rawZoom)
	if sub == nil {
		return rawZoom
	}
	switch {
	case rawZoom < sub.ZoomLevelMin:
		return sub.ZoomLevelMin
	case rawZoom > sub.ZoomLevelMax:
		return sub.ZoomLevelMax
	default:
		return rawZoom
	}
}

// getSubFileParameter returns the sub-file covering rawZoom, preferring
// the one whose range contains it, falling back to the one whose
// [zoomLevelMin, zoomLevelMax] range lies nearest to rawZoom, matching
// MapFileHeader.getSubFileParameter.
func (h *mapFileHeader) getSubFileParameter(rawZoom uint8) *SubFileParameter {
	if len(h.info.SubFiles) == 0 {
		return nil
	}
	best := &h.info.SubFiles[0]
	bestDist := zoomDistance(*best, rawZoom)
	for i := 1; i < len(h.info.SubFiles); i++ {
		sub := &h.info.SubFiles[i]
		if rawZoom >= sub.ZoomLevelMin && rawZoom <= sub.ZoomLevelMax {
			return sub
		}
		if d := zoomDistance(*sub, rawZoom); d < bestDist {
			best, bestDist = sub, d
		}
	}
	return best
}

func zoomDistance(sub SubFileParameter, zoom uint8) int {
	switch {
	case zoom < sub.ZoomLevelMin:
		return int(sub.ZoomLevelMin) - int(zoom)
	case zoom > sub.ZoomLevelMax:
		return int(zoom) - int(sub.ZoomLevelMax)
	default:
		return 0
	}
}
