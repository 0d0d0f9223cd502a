// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// This package defines the interface implemented by pluggable transcription
// engines, plus a registry through which providers make themselves available
// to workers.

package engines

// a transcribed piece of audio with its time bounds (seconds)
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// called by an engine to report transcription progress (a monotone
// percentage in [0, 100))
type ProgressCallback func(progress float64)

// parameters with which an engine is instantiated
type EngineConfig struct {
	// the size of the model to load ("tiny", "small", "medium", ...)
	ModelSize string
	// the device on which the engine runs ("auto", "cpu", "cuda")
	Device string
	// the numeric type used in computations ("default", "float16", "int8")
	ComputeType string
}

// This type holds options recognized by the Transcribe method. Zero-valued
// pointer fields take engine-defined defaults; engines must not reinterpret
// fields that are provided.
type TranscribeOptions struct {
	// language spoken in the audio (auto-detected if empty)
	Language string
	// the task to perform: "transcribe" or "translate"
	Task string

	// decoding parameters
	BeamSize          int
	BestOf            int
	Patience          float64
	LengthPenalty     float64
	RepetitionPenalty float64
	NoRepeatNgramSize int
	// temperature schedule: successive fallback values tried in order
	Temperature []float64

	// hallucination-control thresholds (nil selects the engine default)
	CompressionRatioThreshold *float64
	LogProbThreshold          *float64
	NoSpeechThreshold         *float64

	// context control
	ConditionOnPreviousText  bool
	PromptResetOnTemperature float64
	InitialPrompt            string
	Prefix                   string
	Hotwords                 string

	// token control
	SuppressBlank  bool
	SuppressTokens []int
	MaxNewTokens   *int

	// timestamp settings
	WithoutTimestamps   bool
	MaxInitialTimestamp float64
	WordTimestamps      bool
	PrependPunctuations string
	AppendPunctuations  string

	// voice activity detection
	VadFilter     bool
	VadParameters map[string]any

	// advanced controls
	Multilingual                  bool
	ClipTimestamps                []float64
	HallucinationSilenceThreshold *float64
	LanguageDetectionThreshold    *float64
	LanguageDetectionSegments     int
}

// Returns transcription options with the defaults engines are expected to
// apply when fields are unset.
func DefaultTranscribeOptions() TranscribeOptions {
	logProb := -1.0
	compressionRatio := 2.4
	noSpeech := 0.6
	languageDetection := 0.5
	return TranscribeOptions{
		Task:                       "transcribe",
		BeamSize:                   5,
		BestOf:                     5,
		Patience:                   1.0,
		LengthPenalty:              1.0,
		RepetitionPenalty:          1.0,
		Temperature:                []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0},
		CompressionRatioThreshold:  &compressionRatio,
		LogProbThreshold:           &logProb,
		NoSpeechThreshold:          &noSpeech,
		ConditionOnPreviousText:    true,
		PromptResetOnTemperature:   0.5,
		SuppressBlank:              true,
		SuppressTokens:             []int{-1},
		MaxInitialTimestamp:        1.0,
		PrependPunctuations:        `"'“¿([{-`,
		AppendPunctuations:         `"'.。,，!！?？:：”)]}、`,
		LanguageDetectionThreshold: &languageDetection,
		LanguageDetectionSegments:  1,
	}
}

// This type produces transcription segments one at a time, letting a worker
// interleave heartbeats and cancellation checks with engine progress.
type SegmentIterator interface {
	// advances to the next segment, returning false when the sequence is
	// exhausted or an error occurred
	Next() (Segment, bool)
	// reports the error (if any) that ended the sequence
	Err() error
}

// Engine is the interface implemented by pluggable transcribers. A
// transcription is restartable from the beginning only; there is no resume.
type Engine interface {
	// Opens the audio file at the given path and returns an iterator over a
	// finite sequence of segments in increasing start order. Progress may be
	// reported through onProgress (which may be nil).
	Transcribe(filePath string, options TranscribeOptions,
		onProgress ProgressCallback) (SegmentIterator, error)
	// Processes a raw audio chunk for real-time transcription, returning
	// transcribed text (or "" if no speech was detected). Engines without
	// streaming support return a NotSupportedError.
	TranscribeStream(chunk []byte) (string, error)
}
