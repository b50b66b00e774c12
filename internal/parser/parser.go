// Package parser maps single lines of ab-av1 output to typed events. Parsing
// is pure and total: every input yields exactly one event, with Ignore as the
// catch-all.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Event is one parsed output line. The variant set is closed; dispatchers
// switch over the concrete types and treat anything unexpected as Ignore.
type Event interface {
	isEvent()
}

// EncodingSample is emitted while probing a CRF sample.
type EncodingSample struct {
	SampleNum    int
	TotalSamples int
	CRF          float64
}

// SampleVmaf is one sample's measurement.
type SampleVmaf struct {
	SampleNum    int
	TotalSamples int
	CRF          float64
	Score        float64
	Percent      int
}

// CandidateVmaf is the dash-prefixed summary of a probed CRF.
type CandidateVmaf struct {
	CRF     float64
	Score   float64
	Percent int
}

// PredictedSize is the final candidate line carrying a predicted encode size.
type PredictedSize struct {
	CRF           float64
	Score         float64
	PredictedSize float64
	SizeUnit      string
	Percent       int
	TimeTaken     int
	TimeUnit      string
}

// Progress reports percent and fps of the current operation.
type Progress struct {
	Percent float64
	Fps     float64
	Eta     int
	EtaUnit string
}

// FileProgress reports byte-level encode progress.
type FileProgress struct {
	Size    float64
	Unit    string
	Percent int
}

// Success announces the selected CRF.
type Success struct {
	CRF float64
}

// Warning is a non-fatal diagnostic.
type Warning struct {
	Message string
}

// FfmpegError reports an ffmpeg child exit code.
type FfmpegError struct {
	ExitCode int
}

// FatalError is a structured failure line.
type FatalError struct {
	Message string
}

// EncodingStart announces the beginning of an encode. VideoID is set when the
// filename stem is a numeric database ID.
type EncodingStart struct {
	Filename string
	VideoID  *uint
}

// VmafComparison is informational; no side effect.
type VmafComparison struct {
	File1 string
	File2 string
}

// Ignore is the no-match variant.
type Ignore struct{}

func (EncodingSample) isEvent() {}
func (SampleVmaf) isEvent()     {}
func (CandidateVmaf) isEvent()  {}
func (PredictedSize) isEvent()  {}
func (Progress) isEvent()       {}
func (FileProgress) isEvent()   {}
func (Success) isEvent()        {}
func (Warning) isEvent()        {}
func (FfmpegError) isEvent()    {}
func (FatalError) isEvent()     {}
func (EncodingStart) isEvent()  {}
func (VmafComparison) isEvent() {}
func (Ignore) isEvent()         {}

// FatalNoSuitableCRF is the verbatim message signalling that the search
// exhausted its range. It drives the target-lowering retry cascade.
const FatalNoSuitableCRF = "Failed to find a suitable crf"

const (
	sizeUnits = `B|KB|MB|GB|TB|KiB|MiB|GiB`
	timeUnits = `second|minute|hour|day|week|month|year`
	num       = `\d+(?:\.\d+)?`
)

// Rule ordering is significant: more specific patterns precede their
// generalizations (predicted-size before the dash-prefixed candidate,
// encoding-sample before encoding-start, ffmpeg errors before generic
// fatal errors).
var (
	reTimestamp = regexp.MustCompile(`^\[[^\]]*\]\s*`)

	rePredictedSize = regexp.MustCompile(
		`^crf (` + num + `) VMAF (` + num + `) predicted video stream size (` + num + `) (` + sizeUnits + `) \((\d+)%\) taking (\d+) (` + timeUnits + `)s?$`)
	reSuccess = regexp.MustCompile(`^crf (` + num + `) successful$`)
	reSampleVmaf = regexp.MustCompile(
		`^sample (\d+)/(\d+) crf (` + num + `) VMAF (` + num + `) \((\d+)%\)$`)
	reEncodingSample = regexp.MustCompile(
		`^encoding sample (\d+)/(\d+) crf (` + num + `)$`)
	reCandidateVmaf = regexp.MustCompile(
		`^- crf (` + num + `) VMAF (` + num + `) \((\d+)%\)$`)
	reFileProgress = regexp.MustCompile(
		`^Encoded (` + num + `) (` + sizeUnits + `) \((\d+)%\)$`)
	reProgress = regexp.MustCompile(
		`^(` + num + `)%, (` + num + `) fps, eta (\d+) (` + timeUnits + `)s?$`)
	reFfmpegError = regexp.MustCompile(
		`^(?:Error: )?ffmpeg .*exit code:? (\d+)$`)
	reFatalError     = regexp.MustCompile(`^Error: (.+)$`)
	reWarning        = regexp.MustCompile(`^Warning: (.+)$`)
	reVmafComparison = regexp.MustCompile(`^vmaf (.+) vs reference (.+)$`)
	reEncodingStart  = regexp.MustCompile(`^encoding (.+)$`)
)

// ParseLine maps one output line to its event. Bracketed timestamp prefixes
// and trailing " (cache)" markers are stripped before matching.
func ParseLine(line string) Event {
	line = reTimestamp.ReplaceAllString(strings.TrimSpace(line), "")
	line = strings.TrimSuffix(line, " (cache)")

	if m := rePredictedSize.FindStringSubmatch(line); m != nil {
		return PredictedSize{
			CRF:           mustFloat(m[1]),
			Score:         mustFloat(m[2]),
			PredictedSize: mustFloat(m[3]),
			SizeUnit:      m[4],
			Percent:       mustInt(m[5]),
			TimeTaken:     mustInt(m[6]),
			TimeUnit:      m[7],
		}
	}
	if m := reSuccess.FindStringSubmatch(line); m != nil {
		return Success{CRF: mustFloat(m[1])}
	}
	if m := reSampleVmaf.FindStringSubmatch(line); m != nil {
		return SampleVmaf{
			SampleNum:    mustInt(m[1]),
			TotalSamples: mustInt(m[2]),
			CRF:          mustFloat(m[3]),
			Score:        mustFloat(m[4]),
			Percent:      mustInt(m[5]),
		}
	}
	if m := reEncodingSample.FindStringSubmatch(line); m != nil {
		return EncodingSample{
			SampleNum:    mustInt(m[1]),
			TotalSamples: mustInt(m[2]),
			CRF:          mustFloat(m[3]),
		}
	}
	if m := reCandidateVmaf.FindStringSubmatch(line); m != nil {
		return CandidateVmaf{
			CRF:     mustFloat(m[1]),
			Score:   mustFloat(m[2]),
			Percent: mustInt(m[3]),
		}
	}
	if m := reFileProgress.FindStringSubmatch(line); m != nil {
		return FileProgress{
			Size:    mustFloat(m[1]),
			Unit:    m[2],
			Percent: mustInt(m[3]),
		}
	}
	if m := reProgress.FindStringSubmatch(line); m != nil {
		return Progress{
			Percent: mustFloat(m[1]),
			Fps:     mustFloat(m[2]),
			Eta:     mustInt(m[3]),
			EtaUnit: m[4],
		}
	}
	if m := reFfmpegError.FindStringSubmatch(line); m != nil {
		return FfmpegError{ExitCode: mustInt(m[1])}
	}
	if m := reFatalError.FindStringSubmatch(line); m != nil {
		return FatalError{Message: m[1]}
	}
	if m := reWarning.FindStringSubmatch(line); m != nil {
		return Warning{Message: m[1]}
	}
	if m := reVmafComparison.FindStringSubmatch(line); m != nil {
		return VmafComparison{File1: m[1], File2: m[2]}
	}
	if m := reEncodingStart.FindStringSubmatch(line); m != nil {
		ev := EncodingStart{Filename: m[1]}
		if id, ok := videoIDFromFilename(m[1]); ok {
			ev.VideoID = &id
		}
		return ev
	}
	return Ignore{}
}

// videoIDFromFilename recognizes temp artifact names of the form "<id>.<ext>".
func videoIDFromFilename(name string) (uint, bool) {
	base := name
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	id, err := strconv.ParseUint(base, 10, 32)
	if err != nil || base == "" {
		return 0, false
	}
	return uint(id), true
}

// timeUnitSeconds maps singular time unit tokens to seconds.
var timeUnitSeconds = map[string]int64{
	"second": 1,
	"minute": 60,
	"hour":   3600,
	"day":    86400,
	"week":   604800,
	"month":  2628000,
	"year":   31536000,
}

// DurationSeconds converts a (value, unit) pair from an ETA or elapsed field
// to seconds. Unknown units return 0 and false.
func DurationSeconds(value int, unit string) (int64, bool) {
	mult, ok := timeUnitSeconds[unit]
	if !ok {
		return 0, false
	}
	return int64(value) * mult, true
}

func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func mustInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
