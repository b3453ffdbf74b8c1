package main

import (
	"strings"
	"testing"
)

// testConfig returns a deterministic toy configuration used across tests.
// Dropout is zero so inference and training paths agree numerically.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 16
	cfg.ModelSize = 8
	cfg.NumHeads = 2
	cfg.InnerSize = 16
	cfg.EncoderLayers = 2
	cfg.DecoderLayers = 2
	cfg.Dropout = 0
	cfg.AttnDropout = 0
	cfg.EmbDropout = 0
	cfg.WordDropout = 0
	cfg.MaxLen = 32
	cfg.JoinEmbedding = false
	cfg.TieWeights = false
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMismatchedStacks(t *testing.T) {
	cfg := testConfig()
	cfg.DecoderLayers = 3
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() accepted mismatched encoder/decoder layer counts")
	}
}

func TestValidateRejectsUnknownIdentifiers(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"time encoding", func(c *Config) { c.TimeEncoding = "learned" }},
		{"norm variant", func(c *Config) { c.NormVariant = "rms" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() accepted unknown %s", tc.name)
			}
		})
	}
}

func TestValidateRejectsIndivisibleHeads(t *testing.T) {
	cfg := testConfig()
	cfg.NumHeads = 3
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted dim not divisible by heads")
	}
	if err := cfg.Validate(); err != nil && !strings.Contains(err.Error(), "head") {
		t.Fatalf("error %q does not mention heads", err)
	}
}
