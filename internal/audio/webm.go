package audio

// webm.go — minimal WebM/EBML encoder for finalized voice clips.
//
// No external dependencies — pure Go EBML encoding.
//
// The output is a single self-contained WebM blob with one Opus audio track:
// EBML header + Segment + Info + Tracks, followed by one cluster per second
// of audio. The upload endpoint stores the blob as-is and any browser
// <audio> element can play it back.

import (
	"encoding/binary"
	"math"
)

// ─── EBML encoding helpers ───────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, sufficient for any clip element).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// ebmlFloat encodes a float64 element value.
func ebmlFloat(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// ebmlConcat joins byte slices efficiently.
func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// ─── Element IDs ─────────────────────────────────────────────────────────────

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// ebmlUnkSize is the 8-byte unknown-size marker for the streaming Segment
// element whose final length is not known until all clusters are appended.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus.
// Required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd', // magic
	0x01,       // version = 1
	0x01,       // channels = 1 (mono)
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0 (LE)
	0x00, // channel mapping family = 0
}

// ─── Clip muxing ─────────────────────────────────────────────────────────────

// clusterSpanMS is the maximum duration of one cluster. SimpleBlock relative
// timecodes are int16 milliseconds, so clusters must stay well under 32767 ms.
const clusterSpanMS = 1000

// opusFrame is one encoded Opus packet with its timestamp in milliseconds
// from the start of the recording.
type opusFrame struct {
	data []byte
	tsMS int64
}

// webmInitSegment returns the WebM initialisation segment for a mono Opus
// clip: EBML header + Segment (unknown size) + Info + Tracks.
func webmInitSegment() []byte {
	header := ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	))

	info := ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1_000_000)), // timecodes in milliseconds
		ebmlElem(idMuxApp, []byte("converse")),
		ebmlElem(idWrtApp, []byte("converse")),
	))

	track := ebmlElem(idTrackEntry, ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(2)), // audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, ebmlConcat(
			ebmlElem(idSampFreq, ebmlFloat(sampleRate)),
			ebmlElem(idChannels, ebmlUint(1)),
		)),
	))
	tracks := ebmlElem(idTracks, track)

	return ebmlConcat(header, idSegment, ebmlUnkSize, info, tracks)
}

// simpleBlock encodes one SimpleBlock for track 1 with a relative timecode.
func simpleBlock(relMS int16, data []byte) []byte {
	blk := make([]byte, 0, 4+len(data))
	blk = append(blk, 0x81) // track number 1 as vint
	blk = append(blk, byte(uint16(relMS)>>8), byte(uint16(relMS)))
	blk = append(blk, 0x80) // keyframe flag (every Opus packet decodes alone)
	blk = append(blk, data...)
	return ebmlElem(idSimpleBlock, blk)
}

// muxOpusClip assembles the finalized clip blob from encoded frames.
// Frames must be in capture order with monotonically non-decreasing
// timestamps.
func muxOpusClip(frames []opusFrame) []byte {
	out := webmInitSegment()

	var clusterStart int64 = -1
	var blocks []byte
	flush := func() {
		if clusterStart < 0 {
			return
		}
		cluster := ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(clusterStart))), blocks)
		out = append(out, ebmlElem(idCluster, cluster)...)
		blocks = nil
		clusterStart = -1
	}

	for _, f := range frames {
		if clusterStart < 0 || f.tsMS-clusterStart >= clusterSpanMS {
			flush()
			clusterStart = f.tsMS
		}
		blocks = append(blocks, simpleBlock(int16(f.tsMS-clusterStart), f.data)...)
	}
	flush()

	return out
}
