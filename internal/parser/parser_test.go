package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "encoding sample",
			line: "encoding sample 1/3 crf 28",
			want: EncodingSample{SampleNum: 1, TotalSamples: 3, CRF: 28},
		},
		{
			name: "sample vmaf",
			line: "sample 1/3 crf 28 VMAF 91.33 (85%)",
			want: SampleVmaf{SampleNum: 1, TotalSamples: 3, CRF: 28, Score: 91.33, Percent: 85},
		},
		{
			name: "candidate vmaf",
			line: "- crf 28 VMAF 91.33 (85%)",
			want: CandidateVmaf{CRF: 28, Score: 91.33, Percent: 85},
		},
		{
			name: "predicted size",
			line: "crf 26 VMAF 95.50 predicted video stream size 550.0 MB (51%) taking 120 seconds",
			want: PredictedSize{CRF: 26, Score: 95.50, PredictedSize: 550.0, SizeUnit: "MB",
				Percent: 51, TimeTaken: 120, TimeUnit: "second"},
		},
		{
			name: "predicted size singular minute",
			line: "crf 22 VMAF 96.0 predicted video stream size 12.5 GB (95%) taking 1 minute",
			want: PredictedSize{CRF: 22, Score: 96.0, PredictedSize: 12.5, SizeUnit: "GB",
				Percent: 95, TimeTaken: 1, TimeUnit: "minute"},
		},
		{
			name: "success",
			line: "crf 26 successful",
			want: Success{CRF: 26},
		},
		{
			name: "fractional crf success",
			line: "crf 23.5 successful",
			want: Success{CRF: 23.5},
		},
		{
			name: "progress",
			line: "12.5%, 24 fps, eta 5 minutes",
			want: Progress{Percent: 12.5, Fps: 24, Eta: 5, EtaUnit: "minute"},
		},
		{
			name: "file progress",
			line: "Encoded 4.2 GB (95%)",
			want: FileProgress{Size: 4.2, Unit: "GB", Percent: 95},
		},
		{
			name: "warning",
			line: "Warning: fewer samples than requested",
			want: Warning{Message: "fewer samples than requested"},
		},
		{
			name: "ffmpeg error",
			line: "Error: ffmpeg encode exit code 1",
			want: FfmpegError{ExitCode: 1},
		},
		{
			name: "fatal error",
			line: "Error: Failed to find a suitable crf",
			want: FatalError{Message: FatalNoSuitableCRF},
		},
		{
			name: "vmaf comparison",
			line: "vmaf lq.mkv vs reference original.mkv",
			want: VmafComparison{File1: "lq.mkv", File2: "original.mkv"},
		},
		{
			name: "encoding start without id",
			line: "encoding movie.mkv",
			want: EncodingStart{Filename: "movie.mkv"},
		},
		{
			name: "unknown line",
			line: "some noise the binary printed",
			want: Ignore{},
		},
		{
			name: "empty line",
			line: "",
			want: Ignore{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.line))
		})
	}
}

func TestParseLine_TimestampPrefixAndCacheSuffix(t *testing.T) {
	bare := ParseLine("sample 2/3 crf 24 VMAF 95.01 (60%)")
	stamped := ParseLine("[2024-01-02T03:04:05Z INFO] sample 2/3 crf 24 VMAF 95.01 (60%)")
	cached := ParseLine("sample 2/3 crf 24 VMAF 95.01 (60%) (cache)")

	want := SampleVmaf{SampleNum: 2, TotalSamples: 3, CRF: 24, Score: 95.01, Percent: 60}
	assert.Equal(t, want, bare)
	assert.Equal(t, want, stamped)
	assert.Equal(t, want, cached)
}

func TestParseLine_EncodingStartWithNumericID(t *testing.T) {
	ev := ParseLine("encoding 1234.mkv")
	start, ok := ev.(EncodingStart)
	require.True(t, ok)
	assert.Equal(t, "1234.mkv", start.Filename)
	require.NotNil(t, start.VideoID)
	assert.Equal(t, uint(1234), *start.VideoID)

	ev = ParseLine("encoding /tmp/reencodarr/567.mp4")
	start, ok = ev.(EncodingStart)
	require.True(t, ok)
	require.NotNil(t, start.VideoID)
	assert.Equal(t, uint(567), *start.VideoID)
}

func TestParseLine_OrderingIsDisjoint(t *testing.T) {
	// The predicted-size line also begins with "crf N VMAF N" like a candidate
	// line would without its dash; make sure it never falls through.
	ev := ParseLine("crf 22 VMAF 96.0 predicted video stream size 12.5 GB (95%) taking 150 seconds")
	_, ok := ev.(PredictedSize)
	assert.True(t, ok)

	// "encoding sample" must win over the generic encoding-start rule.
	ev = ParseLine("encoding sample 2/5 crf 30")
	_, ok = ev.(EncodingSample)
	assert.True(t, ok)

	// ffmpeg exit lines must not collapse into the generic fatal error.
	ev = ParseLine("Error: ffmpeg exit code 137")
	_, ok = ev.(FfmpegError)
	assert.True(t, ok)
}

func TestDurationSeconds(t *testing.T) {
	tests := []struct {
		unit string
		want int64
	}{
		{"second", 1},
		{"minute", 60},
		{"hour", 3600},
		{"day", 86400},
		{"week", 604800},
		{"month", 2628000},
		{"year", 31536000},
	}
	for _, tt := range tests {
		got, ok := DurationSeconds(1, tt.unit)
		require.True(t, ok, tt.unit)
		assert.Equal(t, tt.want, got)
	}

	_, ok := DurationSeconds(1, "fortnight")
	assert.False(t, ok)
}
