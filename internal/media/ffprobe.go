package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

const DefaultFFprobeBinary = "ffprobe"

const DefaultCommandTimeout = time.Second * 30

type FFprobeOption func(*FFprobe)

// FFprobe validates files by demuxing every audio packet with ffprobe.
type FFprobe struct {
	ffprobeBinary  string
	commandTimeout time.Duration
}

func WithFFprobeBinary(binary string) FFprobeOption {
	return func(f *FFprobe) {
		if binary != "" {
			f.ffprobeBinary = binary
		}
	}
}

func WithCommandTimeout(timeout time.Duration) FFprobeOption {
	return func(f *FFprobe) {
		if timeout > 0 {
			f.commandTimeout = timeout
		}
	}
}

func NewFFprobe(options ...FFprobeOption) *FFprobe {
	f := &FFprobe{
		ffprobeBinary:  DefaultFFprobeBinary,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

type packet struct {
	CodecType    string `json:"codec_type"`
	PtsTime      string `json:"pts_time"`
	DurationTime string `json:"duration_time"`
}

type format struct {
	FormatName string `json:"format_name"`
}

type probeOutput struct {
	Packets []packet `json:"packets"`
	Format  format   `json:"format"`
}

func (f *FFprobe) probe(ctx context.Context, path string) (*probeOutput, error) {
	cmd := exec.CommandContext(ctx,
		f.ffprobeBinary,
		"-v", "error",
		"-select_streams", "a",
		"-print_format", "json",
		"-show_packets",
		"-show_entries", "packet=codec_type,pts_time,duration_time:format=format_name",
		"-i", path,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe: %w", err)
	}

	var response probeOutput
	if err := json.Unmarshal(output, &response); err != nil {
		return nil, fmt.Errorf("parsing ffprobe json response: %w", err)
	}
	return &response, nil
}

// Validate fails unless ffprobe reads at least one audio packet. Duration is the end of the
// last packet, which tolerates containers without duration metadata.
func (f *FFprobe) Validate(ctx context.Context, path string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	out, err := f.probe(ctx, path)
	if err != nil {
		return Info{}, err
	}

	var end float64
	audioPackets := 0
	for _, p := range out.Packets {
		if p.CodecType != "" && p.CodecType != "audio" {
			continue
		}
		audioPackets++
		pts, err := strconv.ParseFloat(p.PtsTime, 64)
		if err != nil {
			continue
		}
		dur, _ := strconv.ParseFloat(p.DurationTime, 64)
		if pts+dur > end {
			end = pts + dur
		}
	}
	if audioPackets == 0 {
		return Info{}, ErrNoAudio
	}

	return Info{
		Format:   out.Format.FormatName,
		Duration: time.Duration(end * float64(time.Second)),
	}, nil
}
