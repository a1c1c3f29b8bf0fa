package media

import (
	"bytes"
	"encoding/binary"
)

const (
	// wavFormatPCM is the fmt chunk format tag of linear PCM.
	wavFormatPCM = 1
	// silenceRate is the sample rate of generated silence (narrowband telephony).
	silenceRate = 8000
)

// Silence returns a mono 16-bit PCM WAV file holding the given number of
// seconds of silence. It is looped behind menus that must keep collecting
// input while a story streams on the same leg.
func Silence(seconds int) []byte {
	if seconds < 1 {
		seconds = 1
	}
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)

	var fmtChunk bytes.Buffer
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(wavFormatPCM)) //nolint:errcheck
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(channels)) //nolint:errcheck
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(silenceRate)) //nolint:errcheck
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(silenceRate*blockAlign)) //nolint:errcheck
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(blockAlign)) //nolint:errcheck
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(bitsPerSample)) //nolint:errcheck

	dataSize := uint32(seconds * silenceRate * blockAlign)
	out := buildWAVHeader(fmtChunk.Bytes(), dataSize)
	return append(out, make([]byte, dataSize)...)
}
