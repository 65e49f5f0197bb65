package models

// Precision selects the numeric precision used for inference.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

// TranscribeOptions are the fixed inference parameters passed to a model. Filename and
// ContentType describe the client's upload so remote backends can name the audio part.
type TranscribeOptions struct {
	Precision   Precision
	Verbose     bool
	Filename    string
	ContentType string
}

// DefaultTranscribeOptions forces 32-bit inference and suppresses model progress output.
func DefaultTranscribeOptions() TranscribeOptions {
	return TranscribeOptions{Precision: PrecisionFP32, Verbose: false}
}

// Transcription is a normalized model result. Language is empty when the model did not report one.
type Transcription struct {
	Text     string
	Language string
}

// TranscriptionResponse is the JSON body returned to upload clients.
type TranscriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// HealthResponse is the JSON body returned by the health endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	ModelVariant string `json:"model_variant,omitempty"`
}
