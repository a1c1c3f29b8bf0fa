package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrOffsetBeyondEnd is returned when a trim offset is at or past the end
// of the audio data.
var ErrOffsetBeyondEnd = errors.New("trim offset beyond end of audio")

// wavHeader holds the parsed fields from a WAV file header needed to probe
// duration and to cut the data chunk.
type wavHeader struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
	DataOffset    int64  // file offset of the first audio byte
	fmtChunk      []byte // raw fmt chunk body, reproduced verbatim on trim
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			body := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping fmt pad byte: %w", err)
				}
			}
			hdr.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			hdr.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			hdr.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			hdr.ByteRate = binary.LittleEndian.Uint32(body[8:12])
			hdr.BlockAlign = binary.LittleEndian.Uint16(body[12:14])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			hdr.fmtChunk = body
			foundFmt = true

		case "data":
			pos, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, fmt.Errorf("locating data chunk: %w", err)
			}
			hdr.DataSize = chunkSize
			hdr.DataOffset = pos
			foundData = true

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}
	if hdr.ByteRate == 0 || hdr.BlockAlign == 0 {
		return nil, fmt.Errorf("wav file has invalid byte rate %d or block align %d", hdr.ByteRate, hdr.BlockAlign)
	}

	return hdr, nil
}

// clampDataSize bounds the declared data size by what the file actually
// holds. Streaming encoders often write 0xFFFFFFFF or a stale size.
func (h *wavHeader) clampDataSize(fileSize int64) {
	avail := fileSize - h.DataOffset
	if avail < 0 {
		avail = 0
	}
	if int64(h.DataSize) > avail {
		h.DataSize = uint32(avail)
	}
}

// duration returns the playing time of the data chunk.
func (h *wavHeader) duration() time.Duration {
	return time.Duration(uint64(h.DataSize) * uint64(time.Second) / uint64(h.ByteRate))
}

// ProbeWAV returns the playing time of a WAV file.
func ProbeWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	hdr, err := readHeader(f)
	if err != nil {
		return 0, err
	}
	return hdr.duration(), nil
}

func readHeader(f *os.File) (*wavHeader, error) {
	hdr, err := parseWAVHeader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat wav file: %w", err)
	}
	hdr.clampDataSize(fi.Size())
	return hdr, nil
}

// TrimWAV writes to w a WAV file holding the audio of src from
// offsetSeconds onward, cut on a block boundary. It returns the duration
// of the written audio.
func TrimWAV(src *os.File, w io.Writer, offsetSeconds int) (time.Duration, error) {
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}

	hdr, err := readHeader(src)
	if err != nil {
		return 0, err
	}

	start := uint64(offsetSeconds) * uint64(hdr.ByteRate)
	start -= start % uint64(hdr.BlockAlign)
	if start >= uint64(hdr.DataSize) {
		return 0, fmt.Errorf("%w: offset %ds, audio %s", ErrOffsetBeyondEnd, offsetSeconds, hdr.duration())
	}
	remaining := uint32(uint64(hdr.DataSize) - start)

	if _, err := src.Seek(hdr.DataOffset+int64(start), io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking to trim offset: %w", err)
	}

	if _, err := w.Write(buildWAVHeader(hdr.fmtChunk, remaining)); err != nil {
		return 0, fmt.Errorf("writing wav header: %w", err)
	}
	if _, err := io.CopyN(w, src, int64(remaining)); err != nil {
		return 0, fmt.Errorf("copying audio data: %w", err)
	}
	if remaining%2 != 0 {
		if _, err := w.Write([]byte{0}); err != nil {
			return 0, fmt.Errorf("writing data pad byte: %w", err)
		}
	}

	out := *hdr
	out.DataSize = remaining
	return out.duration(), nil
}

// buildWAVHeader returns the RIFF, fmt and data chunk headers for a file
// carrying dataSize bytes of audio described by fmtChunk.
func buildWAVHeader(fmtChunk []byte, dataSize uint32) []byte {
	fmtLen := uint32(len(fmtChunk))
	fmtPad := fmtLen % 2
	dataPad := dataSize % 2
	riffSize := 4 + 8 + fmtLen + fmtPad + 8 + dataSize + dataPad

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize) //nolint:errcheck
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, fmtLen) //nolint:errcheck
	buf.Write(fmtChunk)
	if fmtPad == 1 {
		buf.WriteByte(0)
	}

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize) //nolint:errcheck
	return buf.Bytes()
}
