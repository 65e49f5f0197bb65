package whispercpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ncecere/transcribe_gateway/internal/models"
)

// Options configure the whisper.cpp command-line adapter.
type Options struct {
	Binary       string
	FFmpegBinary string
	ModelsDir    string
	Threads      int
}

// Adapter loads ggml model files and drives whisper.cpp through its CLI.
type Adapter struct {
	binary       string
	ffmpegBinary string
	modelsDir    string
	threads      int

	runner    commandRunner
	lookPath  func(file string) (string, error)
	stat      func(name string) (os.FileInfo, error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
}

// New constructs the production adapter with OS dependencies.
func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.ModelsDir) == "" {
		return nil, errors.New("whispercpp: models dir required")
	}
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = "whisper-cli"
	}
	ffmpeg := strings.TrimSpace(opts.FFmpegBinary)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Adapter{
		binary:       binary,
		ffmpegBinary: ffmpeg,
		modelsDir:    opts.ModelsDir,
		threads:      opts.Threads,
		runner:       &execRunner{},
		lookPath:     exec.LookPath,
		stat:         os.Stat,
		mkdirTemp:    os.MkdirTemp,
		removeAll:    os.RemoveAll,
		readFile:     os.ReadFile,
	}, nil
}

// ModelFileName maps a variant such as "base" to its ggml file name.
func ModelFileName(variant string) string {
	return "ggml-" + variant + ".bin"
}

// Load resolves the ggml file for variant and checks both executables are available.
func (a *Adapter) Load(ctx context.Context, variant string) (*Model, error) {
	variant = strings.TrimSpace(variant)
	if variant == "" || strings.ContainsAny(variant, `/\`) || variant == "." || variant == ".." {
		return nil, fmt.Errorf("whispercpp: invalid model variant %q", variant)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(a.modelsDir, ModelFileName(variant))
	info, err := a.stat(path)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: model %q: %w", variant, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("whispercpp: model %q: %s is not a model file", variant, path)
	}
	if _, err := a.lookPath(a.binary); err != nil {
		return nil, fmt.Errorf("whispercpp: %s not found: %w", a.binary, err)
	}
	if _, err := a.lookPath(a.ffmpegBinary); err != nil {
		return nil, fmt.Errorf("whispercpp: %s not found: %w", a.ffmpegBinary, err)
	}
	return &Model{adapter: a, variant: variant, path: path}, nil
}

// Model is a whisper.cpp ggml model file verified by Load.
type Model struct {
	adapter *Adapter
	variant string
	path    string
}

func (m *Model) Variant() string {
	return m.variant
}

// Path returns the resolved model file.
func (m *Model) Path() string {
	return m.path
}

// Transcribe converts the input to 16 kHz mono PCM and runs whisper.cpp with JSON output.
// Intermediate files live in a private work dir removed before returning.
func (m *Model) Transcribe(ctx context.Context, path string, opts models.TranscribeOptions) (models.Transcription, error) {
	a := m.adapter
	workDir, err := a.mkdirTemp("", "whispercpp-*")
	if err != nil {
		return models.Transcription{}, fmt.Errorf("whispercpp: create work dir: %w", err)
	}
	defer func() { _ = a.removeAll(workDir) }()

	wavPath := filepath.Join(workDir, "input-16k-mono.wav")
	if _, err := a.run(ctx, a.ffmpegBinary, buildFFmpegArgs(path, wavPath)); err != nil {
		return models.Transcription{}, fmt.Errorf("whispercpp: audio conversion failed: %w", err)
	}

	outBase := filepath.Join(workDir, "transcript")
	if _, err := a.run(ctx, a.binary, buildWhisperArgs(m.path, wavPath, outBase, a.threads, opts)); err != nil {
		return models.Transcription{}, fmt.Errorf("whispercpp: transcription failed: %w", err)
	}

	raw, err := a.readFile(outBase + ".json")
	if err != nil {
		return models.Transcription{}, fmt.Errorf("whispercpp: read output: %w", err)
	}
	return parseOutput(raw)
}

func (a *Adapter) run(ctx context.Context, name string, args []string) (commandResult, error) {
	result, err := a.runner.Run(ctx, name, args...)
	if err != nil {
		return result, &CommandError{
			Command:  name,
			ExitCode: result.ExitCode,
			Stderr:   tail(result.Stderr, 512),
			Err:      err,
		}
	}
	return result, nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for JSON transcript export.
// FP32 keeps inference on the CPU path; GPU kernels in whisper.cpp compute in half precision.
func buildWhisperArgs(modelPath, audioPath, outBase string, threads int, opts models.TranscribeOptions) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
		"-l", "auto",
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	if opts.Precision != models.PrecisionFP16 {
		args = append(args, "-ng")
	}
	if !opts.Verbose {
		args = append(args, "-np")
	}
	return args
}

type outputJSON struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseOutput(raw []byte) (models.Transcription, error) {
	var out outputJSON
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Transcription{}, fmt.Errorf("whispercpp: parse output: %w", err)
	}
	var b strings.Builder
	for _, segment := range out.Transcription {
		b.WriteString(segment.Text)
	}
	return models.Transcription{
		Text:     strings.TrimSpace(b.String()),
		Language: strings.TrimSpace(out.Result.Language),
	}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
