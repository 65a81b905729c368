package mapforge

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kelindar/mapforge/internal/model"
)

// TestFileConfig describes the single sub-file a synthetic test map file
// should contain. Blocks is indexed by block number (row-major, row =
// blockNumber/BlocksWidth); a missing or nil entry encodes an empty block,
// whose index offset equals that of the block after it, so its size is 0.
type TestFileConfig struct {
	BaseZoomLevel, ZoomLevelMin, ZoomLevelMax uint8
	BoundaryTileLeft, BoundaryTileTop         uint32
	BlocksWidth, BlocksHeight                 uint32
	POITags, WayTags                          []model.Tag
	Blocks                                    map[uint32][]byte
	DebugFile                                 bool
}

// BuildTestFile writes a minimal but structurally valid map file to a
// temporary path and returns it, letting a test exercise Open and
// ExecuteQuery end to end without a real mapsforge extract on disk.
func BuildTestFile(t *testing.T, cfg TestFileConfig) string {
	t.Helper()

	numberOfBlocks := cfg.BlocksWidth * cfg.BlocksHeight
	indexEntries := make([]byte, int(numberOfBlocks)*5)
	// A block's size is derived by its reader from the gap to the next
	// block's pointer (or to the end of the data region for the last
	// block), so an unwritten block just gets the same pointer value as
	// whatever follows it and needs no reserved sentinel offset.
	var blockData []byte
	for i := uint32(0); i < numberOfBlocks; i++ {
		offset := int64(len(blockData))
		if block, ok := cfg.Blocks[i]; ok {
			blockData = append(blockData, block...)
		}
		packEntry40(indexEntries[i*5:i*5+5], offset, false)
	}

	var body []byte
	body = appendUint16(body, uint16(len(cfg.POITags)))
	for _, tag := range cfg.POITags {
		body = appendVString(body, tag.Key+"="+tag.Value)
	}
	body = appendUint16(body, uint16(len(cfg.WayTags)))
	for _, tag := range cfg.WayTags {
		body = appendVString(body, tag.Key+"="+tag.Value)
	}
	body = append(body, 1) // one sub-file

	// Sub-file table entry: addresses are patched in below once the
	// preamble length (and therefore absolute offsets) is known.
	subFileTablePos := len(body)
	body = append(body, cfg.BaseZoomLevel, cfg.ZoomLevelMin, cfg.ZoomLevelMax)
	body = appendUint64(body, 0) // startAddress placeholder
	body = appendUint64(body, 0) // indexStartAddress placeholder
	body = appendUint64(body, 0) // subFileSize placeholder
	body = appendUint32(body, cfg.BoundaryTileTop)
	body = appendUint32(body, cfg.BoundaryTileLeft)
	body = appendUint32(body, cfg.BoundaryTileLeft+cfg.BlocksWidth-1)
	body = appendUint32(body, cfg.BoundaryTileTop+cfg.BlocksHeight-1)

	preamble := buildPreamble(cfg.DebugFile)
	headerLen := len(preamble) + len(body)

	indexStart := int64(headerLen)
	startAddr := indexStart + int64(len(indexEntries))
	subFileSize := int64(len(indexEntries) + len(blockData))

	patchUint64(body, subFileTablePos+3, uint64(startAddr))
	patchUint64(body, subFileTablePos+11, uint64(indexStart))
	patchUint64(body, subFileTablePos+19, uint64(subFileSize))

	var file []byte
	file = append(file, preamble...)
	file = append(file, body...)
	file = append(file, indexEntries...)
	file = append(file, blockData...)

	f, err := os.CreateTemp(t.TempDir(), "mapforge-test-*.map")
	require.NoError(t, err)
	_, err = f.Write(file)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func buildPreamble(debugFile bool) []byte {
	var out []byte
	out = append(out, magic...)
	out = appendUint32(out, 0) // header size, unused by the reader
	out = appendUint32(out, 5) // file version
	out = appendUint64(out, 0) // declared file size, patched by caller if needed
	out = appendUint64(out, 0) // map date
	for _, v := range [4]int32{-900000000, -1800000000, 900000000, 1800000000} {
		out = appendVSInt(out, v)
	}
	out = appendUint16(out, 256) // tile pixel size
	out = appendVString(out, "Mercator")
	var flags byte
	if debugFile {
		flags |= flagDebugFile
	}
	out = append(out, flags)
	return out
}

func packEntry40(dst []byte, offset int64, water bool) {
	v := uint64(offset) & (1<<39 - 1)
	if water {
		v |= 1 << 39
	}
	dst[0] = byte(v >> 32)
	dst[1] = byte(v >> 24)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 8)
	dst[4] = byte(v)
}

func appendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func appendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func patchUint64(dst []byte, pos int, v uint64) {
	copy(dst[pos:pos+8], []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}

func appendVString(dst []byte, s string) []byte {
	dst = appendUvarint(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendUvarint(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func appendVSInt(dst []byte, v int32) []byte {
	neg := v < 0
	if neg {
		v = -v
	}
	for v >= 0x40 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	last := byte(v) & 0x3f
	if neg {
		last |= 0x40
	}
	return append(dst, last)
}
