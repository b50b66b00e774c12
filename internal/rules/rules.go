// Package rules composes the ab-av1 argument vector for a video and stage.
// Construction is deterministic: identical inputs yield identical argv.
package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jmylchreest/reencodarr/internal/models"
)

// Stage selects which flags the rules may emit.
type Stage string

const (
	// StageCrfSearch suppresses audio flags: the search measures only video
	// quality, and audio arguments would skew sample encodes.
	StageCrfSearch Stage = "crf_search"
	// StageEncode emits the full flag set including audio handling.
	StageEncode Stage = "encode"
)

// Opus bitrate ladder by channel count, in kbit/s. Unlisted counts use
// 64 kbit/s per channel.
var opusBitrateByChannels = map[int]int{
	1: 64,
	2: 128,
	6: 384,
	8: 512,
}

// HDR markers the analyzer records in Video.HDR.
const (
	hdrDolbyVision = "DV"
	hdrHDR10       = "HDR10"
	hdrHDR10Plus   = "HDR10+"
)

// BuildArgs returns the full deduplicated argv for the stage. Later sources
// override earlier ones by flag name: base < rules < overrides.
func BuildArgs(video *models.Video, stage Stage, base []string, overrides []string) []string {
	ruleArgs := audioArgs(video, stage)
	ruleArgs = append(ruleArgs, videoArgs(video)...)

	return mergeFlags(base, ruleArgs, overrides)
}

// audioArgs selects the audio codec handling: preserve Opus/Atmos streams,
// otherwise re-encode to Opus at a channel-dependent bitrate.
func audioArgs(video *models.Video, stage Stage) []string {
	if stage == StageCrfSearch {
		return nil
	}

	// Atmos must survive untouched: transcoding would strip the object
	// metadata.
	if video.Atmos {
		return []string{"--acodec", "copy"}
	}
	if video.AudioCodecs.Contains(models.CodecOpus) {
		return []string{"--acodec", "copy"}
	}

	channels := 2
	if video.MaxAudioChannels != nil && *video.MaxAudioChannels > 0 {
		channels = *video.MaxAudioChannels
	}
	bitrate, ok := opusBitrateByChannels[channels]
	if !ok {
		bitrate = 64 * channels
	}

	return []string{
		"--acodec", "libopus",
		"--enc", "b:a=" + strconv.Itoa(bitrate) + "k",
		"--enc", "ac=" + strconv.Itoa(channels),
	}
}

// videoArgs injects HDR pass-through markers. Grain synthesis stays off
// unless an operator override supplies it.
func videoArgs(video *models.Video) []string {
	if video.HDR == nil {
		return nil
	}
	switch *video.HDR {
	case hdrDolbyVision:
		return []string{"--enc", "dolbyvision=true"}
	case hdrHDR10, hdrHDR10Plus:
		return []string{"--svt", "tune=0"}
	default:
		return nil
	}
}

// repeatableFlags accumulate instead of overriding: ab-av1 accepts several
// --enc/--svt pairs and treats each as a separate encoder parameter.
var repeatableFlags = map[string]bool{
	"--enc": true,
	"--svt": true,
}

// mergeFlags flattens the sources into one argv, deduplicating by flag name
// with later sources winning. Repeatable flags are deduplicated by their
// key=value key instead. Leading positional tokens (the subcommand) pass
// through untouched.
func mergeFlags(sources ...[]string) []string {
	type slot struct {
		order int
		value *string // nil for bare flags
	}

	var positional []string
	flags := make(map[string]slot)
	order := 0

	for _, source := range sources {
		i := 0
		for i < len(source) {
			tok := source[i]
			if !strings.HasPrefix(tok, "-") {
				positional = append(positional, tok)
				i++
				continue
			}

			var value *string
			if i+1 < len(source) && !strings.HasPrefix(source[i+1], "-") {
				v := source[i+1]
				value = &v
				i += 2
			} else {
				i++
			}

			key := tok
			if repeatableFlags[tok] && value != nil {
				key = tok + "\x00" + paramKey(*value)
			}
			if existing, ok := flags[key]; ok {
				flags[key] = slot{order: existing.order, value: value}
			} else {
				flags[key] = slot{order: order, value: value}
				order++
			}
		}
	}

	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		return flags[keys[a]].order < flags[keys[b]].order
	})

	out := make([]string, 0, len(positional)+2*len(keys))
	out = append(out, positional...)
	for _, k := range keys {
		name := k
		if i := strings.IndexByte(k, '\x00'); i >= 0 {
			name = k[:i]
		}
		out = append(out, name)
		if v := flags[k].value; v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// paramKey extracts the parameter name from a key=value encoder argument.
func paramKey(v string) string {
	if i := strings.IndexByte(v, '='); i >= 0 {
		return v[:i]
	}
	return v
}
