package datasets

import (
	"errors"
	"strings"
	"testing"

	"speechtune/internal/services"
)

func TestRegistryIsValid(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("registry invalid: %v", err)
	}
	want := []string{"common_voice", "librispeech", "voxpopuli", "tedlium3"}
	got := Keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for _, d := range All() {
		if len(d.Splits) == 0 {
			t.Fatalf("%s has no splits", d.Key)
		}
	}
}

func TestValidateCatchesBrokenEntries(t *testing.T) {
	good := Descriptor{Key: "a", Repo: "x/a", Splits: []string{"train"}}
	cases := map[string][]Descriptor{
		"duplicate": {good, good},
		"no splits": {{Key: "b", Repo: "x/b"}},
		"no repo":   {{Key: "c", Splits: []string{"train"}}},
		"empty key": {{Repo: "x/d", Splits: []string{"train"}}},
		"fixed":     {{Key: "e", Repo: "x/e", Splits: []string{"train"}, ConfigMode: ConfigFixed}},
	}
	for name, entries := range cases {
		if err := validate(entries); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("nonexistent")
	if !errors.Is(err, services.ErrUnknownDataset) {
		t.Fatalf("expected ErrUnknownDataset, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown dataset 'nonexistent'. Run with --list to see options.") {
		t.Fatalf("unexpected message %q", err)
	}
	if _, err := Lookup("LibriSpeech"); err == nil {
		t.Fatal("lookup must be case sensitive")
	}
}

func TestAllReturnsCopies(t *testing.T) {
	first := All()
	first[0].Splits[0] = "mutated"
	if All()[0].Splits[0] != "train" {
		t.Fatal("All must not expose registry storage")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		key, language, split string
		want                 Source
	}{
		{"common_voice", "sv-SE", "train", Source{Repo: "mozilla-foundation/common_voice_13_0", Config: "sv-SE", Split: "train", TrustRemoteCode: true}},
		{"voxpopuli", "en", "validation", Source{Repo: "facebook/voxpopuli", Config: "en", Split: "validation"}},
		{"tedlium3", "fr", "test", Source{Repo: "LIUM/tedlium", Config: "release3", Split: "test"}},
		{"librispeech", "en", "train.clean.100", Source{Repo: "openslr/librispeech_asr", Config: "clean", Split: "train.100"}},
		{"librispeech", "en", "train.other.500", Source{Repo: "openslr/librispeech_asr", Config: "other", Split: "train.500"}},
		{"librispeech", "en", "validation.clean", Source{Repo: "openslr/librispeech_asr", Config: "clean", Split: "validation"}},
		{"librispeech", "en", "train", Source{Repo: "openslr/librispeech_asr", Config: "all", Split: "train"}},
	}
	for _, tt := range tests {
		d, err := Lookup(tt.key)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tt.key, err)
		}
		if got := d.Resolve(tt.language, tt.split); got != tt.want {
			t.Errorf("%s/%s: got %+v, want %+v", tt.key, tt.split, got, tt.want)
		}
	}
}

func TestHasSplitAndFindByRepo(t *testing.T) {
	d, _ := Lookup("librispeech")
	if !d.HasSplit("test.clean") || d.HasSplit("train") {
		t.Fatal("unexpected HasSplit result")
	}
	found, ok := FindByRepo("Mozilla-Foundation/Common_Voice_13_0")
	if !ok || found.Key != "common_voice" {
		t.Fatalf("FindByRepo failed: %+v %v", found, ok)
	}
	if _, ok := FindByRepo("someone/else"); ok {
		t.Fatal("expected miss")
	}
}
