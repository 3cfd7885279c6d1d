package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

// DecodeWAV reads a RIFF/WAVE file into a Clip. Integer PCM
// (8/16/24/32-bit) and IEEE float (32/64-bit) data are supported.
func DecodeWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return decodeWAV(f)
}

func decodeWAV(f io.ReadSeeker) (Clip, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Clip{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Clip{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Clip{}, ErrInvalidWAV
	}

	var (
		audioFormat   uint16
		channels      uint16
		sampleRate    uint32
		bitsPerSample uint16
		dataOffset    int64
		dataSize      uint32
		hasFmt        bool
		hasData       bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Clip{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return Clip{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Clip{}, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				return Clip{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			audioFormat = binary.LittleEndian.Uint16(buf[0:2])
			channels = binary.LittleEndian.Uint16(buf[2:4])
			sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			bitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := f.Seek(1, io.SeekCurrent); err != nil {
					return Clip{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			hasData = true
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Clip{}, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Clip{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return Clip{}, ErrInvalidWAV
	}

	if channels == 0 || sampleRate == 0 {
		return Clip{}, ErrInvalidWAV
	}

	if err := validateFormat(audioFormat, bitsPerSample); err != nil {
		return Clip{}, err
	}

	if _, err := f.Seek(dataOffset, io.SeekStart); err != nil {
		return Clip{}, fmt.Errorf("seek wav data offset: %w", err)
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return Clip{}, fmt.Errorf("read wav data: %w", err)
	}

	samples, err := decodeSamples(data, audioFormat, bitsPerSample)
	if err != nil {
		return Clip{}, err
	}

	return Clip{
		Samples:    samples,
		SampleRate: int(sampleRate),
		Channels:   int(channels),
	}, nil
}

// EncodeWAV writes samples as a 16-bit PCM mono WAV at the engine
// sample rate. Used to hand clips to the exec-based engine.
func EncodeWAV(w io.Writer, samples []float32) error {
	dataSize := uint32(len(samples) * 2)

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // integer PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], EngineSampleRate)
	binary.LittleEndian.PutUint32(header[28:32], EngineSampleRate*2)
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	buf := make([]byte, 2)
	for _, sample := range samples {
		clamped := math.Max(-1, math.Min(1, float64(sample)))
		binary.LittleEndian.PutUint16(buf, uint16(int16(clamped*32767)))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write wav data: %w", err)
		}
	}

	return nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	if audioFormat != 1 && audioFormat != 3 {
		return ErrUnsupportedWAV
	}

	if audioFormat == 1 {
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		default:
			return ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 32, 64:
		return nil
	default:
		return ErrUnsupportedWAV
	}
}

func decodeSamples(data []byte, audioFormat, bitsPerSample uint16) ([]float32, error) {
	bytesPerSample := int(bitsPerSample / 8)
	if bytesPerSample <= 0 {
		return nil, ErrUnsupportedWAV
	}

	samples := make([]float32, 0, len(data)/bytesPerSample)
	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		value, err := decodeSample(data[i:i+bytesPerSample], audioFormat, bitsPerSample)
		if err != nil {
			return nil, err
		}
		samples = append(samples, float32(value))
	}

	return samples, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == 3 {
		switch bitsPerSample {
		case 32:
			bits := binary.LittleEndian.Uint32(sample)
			return float64(math.Float32frombits(bits)), nil
		case 64:
			bits := binary.LittleEndian.Uint64(sample)
			return math.Float64frombits(bits), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		u := float64(sample[0])
		return (u - 128.0) / 128.0, nil
	case 16:
		v := int16(binary.LittleEndian.Uint16(sample))
		return float64(v) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		v := int32(binary.LittleEndian.Uint32(sample))
		return float64(v) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}
