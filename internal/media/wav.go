package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV validates RIFF/WAVE files in-process, for deployments without ffmpeg.
type WAV struct{}

func (WAV) Validate(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Info{}, errors.New("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("seek to pcm data: %w", err)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 || dec.BitDepth == 0 {
		return Info{}, ErrNoAudio
	}

	buf := &audio.IntBuffer{
		Data:           make([]int, 4096),
		Format:         dec.Format(),
		SourceBitDepth: int(dec.BitDepth),
	}
	if _, err := dec.PCMBuffer(buf); err != nil {
		return Info{}, fmt.Errorf("decode pcm: %w", err)
	}

	bytesPerSecond := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	var duration time.Duration
	if bytesPerSecond > 0 {
		duration = time.Duration(int64(dec.PCMSize) * int64(time.Second) / bytesPerSecond)
	}
	return Info{Format: "wav", Duration: duration}, nil
}
