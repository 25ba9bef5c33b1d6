package datasets

import (
	"fmt"
	"slices"
	"strings"

	"speechtune/internal/services"
)

// ConfigMode describes how the remote sub-configuration of a corpus is derived
// from the request.
type ConfigMode int

const (
	// ConfigNone requests the repository's default configuration.
	ConfigNone ConfigMode = iota
	// ConfigLanguage uses the requested language code as the configuration.
	ConfigLanguage
	// ConfigFixed always uses Descriptor.FixedConfig.
	ConfigFixed
	// ConfigSplitSubset reads the configuration from the split name:
	// "train.clean.100" selects configuration "clean", split "train.100".
	// Requests without a subset use CombinedConfig.
	ConfigSplitSubset
)

// Descriptor is one immutable registry entry.
type Descriptor struct {
	Key             string
	Name            string
	Repo            string
	Size            string
	License         string
	Splits          []string
	RequiresAuth    bool
	Notes           string
	ConfigMode      ConfigMode
	FixedConfig     string
	TrustRemoteCode bool
}

// Source holds the resolved remote coordinates of one fetch.
// TrustRemoteCode marks corpora assembled by a hub loading script, whose
// parquet exports may be missing for some configurations.
type Source struct {
	Repo            string
	Config          string
	Split           string
	TrustRemoteCode bool
}

// DefaultConfig is the configuration name the datasets-server assigns to
// repositories without named configurations.
const DefaultConfig = "default"

// CombinedConfig is the configuration of split-subset corpora that holds
// every subset.
const CombinedConfig = "all"

var registry = []Descriptor{
	{
		Key:             "common_voice",
		Name:            "Mozilla Common Voice 13 (Hugging Face)",
		Repo:            "mozilla-foundation/common_voice_13_0",
		Size:            "~28 GB (English)",
		License:         "CC0",
		Splits:          []string{"train", "validation", "test"},
		RequiresAuth:    true,
		Notes:           "Requires Hugging Face account & accepting the dataset license at https://huggingface.co/datasets/mozilla-foundation/common_voice_13_0",
		ConfigMode:      ConfigLanguage,
		TrustRemoteCode: true,
	},
	{
		Key:        "librispeech",
		Name:       "LibriSpeech",
		Repo:       "openslr/librispeech_asr",
		Size:       "6.3 GB (train-clean-100) / 55 GB (train-other-960)",
		License:    "CC BY 4.0",
		Splits:     []string{"train.clean.100", "train.clean.360", "train.other.500", "validation.clean", "test.clean"},
		Notes:      "Clean read speech from audiobooks, a strong baseline for transcription accuracy.",
		ConfigMode: ConfigSplitSubset,
	},
	{
		Key:        "voxpopuli",
		Name:       "VoxPopuli (Facebook Research)",
		Repo:       "facebook/voxpopuli",
		Size:       "~41 GB (English)",
		License:    "CC0",
		Splits:     []string{"train", "validation", "test"},
		Notes:      "European Parliament speech with diverse accents and interview-style delivery.",
		ConfigMode: ConfigLanguage,
	},
	{
		Key:         "tedlium3",
		Name:        "TEDLIUM Release 3",
		Repo:        "LIUM/tedlium",
		Size:        "~19 GB",
		License:     "CC BY-NC-ND 3.0",
		Splits:      []string{"train", "validation", "test"},
		Notes:       "TED talks with confident, structured speech.",
		ConfigMode:  ConfigFixed,
		FixedConfig: "release3",
	},
}

// All returns the registry in declaration order. The slice is a copy.
func All() []Descriptor {
	out := make([]Descriptor, len(registry))
	for i, d := range registry {
		d.Splits = slices.Clone(d.Splits)
		out[i] = d
	}
	return out
}

// Keys returns registry keys in declaration order.
func Keys() []string {
	keys := make([]string, len(registry))
	for i, d := range registry {
		keys[i] = d.Key
	}
	return keys
}

// Lookup returns the descriptor for key. Keys are matched exactly.
func Lookup(key string) (Descriptor, error) {
	for _, d := range registry {
		if d.Key == key {
			d.Splits = slices.Clone(d.Splits)
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w '%s'. Run with --list to see options.", services.ErrUnknownDataset, key)
}

// FindByRepo returns the registry entry whose remote handle matches repo.
func FindByRepo(repo string) (Descriptor, bool) {
	repo = strings.TrimSpace(repo)
	for _, d := range registry {
		if strings.EqualFold(d.Repo, repo) {
			d.Splits = slices.Clone(d.Splits)
			return d, true
		}
	}
	return Descriptor{}, false
}

// Validate checks registry integrity: unique non-empty keys, non-empty
// repositories, and a non-empty split list for every entry.
func Validate() error {
	return validate(registry)
}

func validate(entries []Descriptor) error {
	seen := make(map[string]struct{}, len(entries))
	for i, d := range entries {
		if strings.TrimSpace(d.Key) == "" {
			return fmt.Errorf("registry entry %d: empty key", i)
		}
		if _, dup := seen[d.Key]; dup {
			return fmt.Errorf("registry entry %q: duplicate key", d.Key)
		}
		seen[d.Key] = struct{}{}
		if strings.TrimSpace(d.Repo) == "" {
			return fmt.Errorf("registry entry %q: empty repo", d.Key)
		}
		if len(d.Splits) == 0 {
			return fmt.Errorf("registry entry %q: no splits", d.Key)
		}
		if d.ConfigMode == ConfigFixed && strings.TrimSpace(d.FixedConfig) == "" {
			return fmt.Errorf("registry entry %q: fixed config mode without config", d.Key)
		}
	}
	return nil
}

// HasSplit reports whether split is one of the declared splits.
func (d Descriptor) HasSplit(split string) bool {
	return slices.Contains(d.Splits, split)
}

// Resolve applies the dataset-specific parameterization for a fetch of split
// in language. Splits are not required to be declared; the remote service is
// the authority on which splits exist.
func (d Descriptor) Resolve(language, split string) Source {
	src := Source{
		Repo:            d.Repo,
		Config:          DefaultConfig,
		Split:           split,
		TrustRemoteCode: d.TrustRemoteCode,
	}
	switch d.ConfigMode {
	case ConfigLanguage:
		if language != "" {
			src.Config = language
		}
	case ConfigFixed:
		src.Config = d.FixedConfig
	case ConfigSplitSubset:
		src.Config, src.Split = splitSubset(split)
	}
	return src
}

// splitSubset maps "train.clean.100" to ("clean", "train.100") and
// "validation.clean" to ("clean", "validation"). Splits without a subset
// segment fall back to the combined "all" configuration.
func splitSubset(split string) (string, string) {
	parts := strings.Split(split, ".")
	if len(parts) < 2 {
		return CombinedConfig, split
	}
	remaining := append([]string{parts[0]}, parts[2:]...)
	return parts[1], strings.Join(remaining, ".")
}
