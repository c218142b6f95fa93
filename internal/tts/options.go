package tts

import "github.com/book-expert/audiobook-tts/internal/config"

// NewSynthesisOptions validates per-request inference options, such as those
// carried on a NATS job, against the configured ranges.
func NewSynthesisOptions(temperature, topP, repetitionPenalty float64, chunkLength int, normalize bool) (Options, error) {
	err := config.ValidateInference(temperature, topP, repetitionPenalty, chunkLength)
	if err != nil {
		return Options{}, err
	}

	return Options{
		Temperature:       temperature,
		TopP:              topP,
		RepetitionPenalty: repetitionPenalty,
		ChunkLength:       chunkLength,
		Normalize:         normalize,
	}, nil
}

// WithOverrides returns o with every non-zero sampling field of override applied.
func (o Options) WithOverrides(temperature, topP, repetitionPenalty float64, seed int) Options {
	if temperature != 0 {
		o.Temperature = temperature
	}

	if topP != 0 {
		o.TopP = topP
	}

	if repetitionPenalty != 0 {
		o.RepetitionPenalty = repetitionPenalty
	}

	if seed != 0 {
		o.Seed = seed
	}

	return o
}

// Validate checks o against the configured ranges.
func (o Options) Validate() error {
	return config.ValidateInference(o.Temperature, o.TopP, o.RepetitionPenalty, o.ChunkLength)
}
