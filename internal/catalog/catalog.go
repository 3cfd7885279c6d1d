package catalog

import (
	"sort"
)

// DefaultVariant is used when no variant is configured.
const DefaultVariant = "small"

// Variant describes one downloadable model build. Entries are immutable
// for the lifetime of the process.
type Variant struct {
	ID                  string
	DisplayName         string
	FileName            string
	URL                 string
	ByteSize            int64
	SHA256              string
	AccuracyRating      int
	SpeedRating         int
	MemoryEstimateBytes int64
}

var registry = map[string]Variant{
	"tiny": {
		ID:                  "tiny",
		DisplayName:         "Tiny",
		FileName:            "ggml-tiny.bin",
		URL:                 "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		ByteSize:            77_691_713,
		SHA256:              "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		AccuracyRating:      1,
		SpeedRating:         5,
		MemoryEstimateBytes: 390 << 20,
	},
	"base": {
		ID:                  "base",
		DisplayName:         "Base",
		FileName:            "ggml-base.bin",
		URL:                 "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		ByteSize:            147_951_465,
		SHA256:              "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		AccuracyRating:      2,
		SpeedRating:         4,
		MemoryEstimateBytes: 500 << 20,
	},
	"small": {
		ID:                  "small",
		DisplayName:         "Small",
		FileName:            "ggml-small.bin",
		URL:                 "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		ByteSize:            487_601_967,
		SHA256:              "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
		AccuracyRating:      3,
		SpeedRating:         3,
		MemoryEstimateBytes: 1 << 30,
	},
	"medium": {
		ID:                  "medium",
		DisplayName:         "Medium",
		FileName:            "ggml-medium.bin",
		URL:                 "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		ByteSize:            1_533_763_059,
		SHA256:              "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
		AccuracyRating:      4,
		SpeedRating:         2,
		MemoryEstimateBytes: 2600 << 20,
	},
	"large-v3": {
		ID:                  "large-v3",
		DisplayName:         "Large v3",
		FileName:            "ggml-large-v3.bin",
		URL:                 "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		ByteSize:            3_095_033_483,
		SHA256:              "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
		AccuracyRating:      5,
		SpeedRating:         1,
		MemoryEstimateBytes: 4700 << 20,
	},
}

// Lookup returns the variant registered under id.
func Lookup(id string) (Variant, bool) {
	variant, ok := registry[id]
	return variant, ok
}

// IDs returns all known variant ids sorted alphabetically.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Variants returns all catalog entries ordered by ascending size.
func Variants() []Variant {
	variants := make([]Variant, 0, len(registry))
	for _, variant := range registry {
		variants = append(variants, variant)
	}
	sort.Slice(variants, func(i, j int) bool {
		return variants[i].ByteSize < variants[j].ByteSize
	})
	return variants
}
