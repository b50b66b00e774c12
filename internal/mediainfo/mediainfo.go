// Package mediainfo wraps the mediainfo binary and maps its JSON output to
// per-file metadata used by the analyzer.
package mediainfo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/reencodarr/internal/models"
)

// report is one file's section of mediainfo --Output=JSON.
type report struct {
	Media *media `json:"media"`
}

// media holds the per-file track list.
type media struct {
	Ref    string  `json:"@ref"`
	Tracks []track `json:"track"`
}

// track is one General/Video/Audio track. mediainfo encodes every value as a
// string.
type track struct {
	Type                   string `json:"@type"`
	Format                 string `json:"Format"`
	FileSize               string `json:"FileSize"`
	Duration               string `json:"Duration"`
	OverallBitRate         string `json:"OverallBitRate"`
	BitRate                string `json:"BitRate"`
	Width                  string `json:"Width"`
	Height                 string `json:"Height"`
	FrameRate              string `json:"FrameRate"`
	Channels               string `json:"Channels"`
	Title                  string `json:"Title"`
	Movie                  string `json:"Movie"`
	HDRFormat              string `json:"HDR_Format"`
	HDRFormatCompatibility string `json:"HDR_Format_Compatibility"`
	FormatCommercial       string `json:"Format_Commercial_IfAny"`
	FormatAdditional       string `json:"Format_AdditionalFeatures"`
}

// FileMetadata is the analyzer-facing view of one probed file.
type FileMetadata struct {
	Path             string
	Size             int64
	Duration         *float64
	Bitrate          *int
	Width            *int
	Height           *int
	FrameRate        *float64
	VideoCodecs      []string
	AudioCodecs      []string
	MaxAudioChannels *int
	Title            *string
	HDR              *string
	Atmos            bool
}

// ApplyTo copies the probed metadata onto the video record.
func (m *FileMetadata) ApplyTo(v *models.Video) {
	v.Size = m.Size
	v.Duration = m.Duration
	v.Bitrate = m.Bitrate
	v.Width = m.Width
	v.Height = m.Height
	v.FrameRate = m.FrameRate
	v.VideoCodecs = models.StringList(m.VideoCodecs)
	v.AudioCodecs = models.StringList(m.AudioCodecs)
	v.MaxAudioChannels = m.MaxAudioChannels
	v.Title = m.Title
	v.HDR = m.HDR
	v.Atmos = m.Atmos
}

// Client executes the mediainfo binary.
type Client struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a mediainfo client using the resolved binary path.
func NewClient(binary string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		binary:  binary,
		timeout: 60 * time.Second,
		logger:  logger.With("component", "mediainfo"),
	}
}

// WithTimeout sets the probe timeout for a whole invocation.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// Scan probes all paths in a single mediainfo invocation and returns metadata
// keyed by path. Paths absent from the output (deleted, unreadable) are
// simply missing from the map; the caller records per-video failures.
func (c *Client) Scan(ctx context.Context, paths []string) (map[string]*FileMetadata, error) {
	if len(paths) == 0 {
		return map[string]*FileMetadata{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append([]string{"--Output=JSON", "--LogFile=/dev/null", "--Full"}, paths...)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("mediainfo timeout after %v", c.timeout)
		}
		return nil, fmt.Errorf("running mediainfo: %w", err)
	}

	result, err := Parse(output)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("mediainfo scan complete",
		"requested", len(paths),
		"returned", len(result),
	)
	return result, nil
}

// Parse maps raw mediainfo JSON to metadata keyed by file path. Both output
// shapes are handled: a bare object for one file and a list for several.
func Parse(data []byte) (map[string]*FileMetadata, error) {
	var reports []report
	if err := json.Unmarshal(data, &reports); err != nil {
		var single report
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parsing mediainfo output: %w", err)
		}
		reports = []report{single}
	}

	result := make(map[string]*FileMetadata, len(reports))
	for _, rep := range reports {
		if rep.Media == nil || rep.Media.Ref == "" {
			continue
		}
		result[rep.Media.Ref] = simplify(rep.Media)
	}
	return result, nil
}

// simplify folds the track list into one FileMetadata.
func simplify(m *media) *FileMetadata {
	meta := &FileMetadata{Path: m.Ref}

	for _, tr := range m.Tracks {
		switch tr.Type {
		case "General":
			meta.Size = parseInt64(tr.FileSize)
			if d, ok := parseFloat(tr.Duration); ok {
				meta.Duration = &d
			}
			if b, ok := parseInt(tr.OverallBitRate); ok {
				meta.Bitrate = &b
			}
			if title := firstNonEmpty(tr.Title, tr.Movie); title != "" {
				meta.Title = &title
			}
		case "Video":
			if tr.Format != "" {
				meta.VideoCodecs = append(meta.VideoCodecs, tr.Format)
			}
			if w, ok := parseInt(tr.Width); ok && meta.Width == nil {
				meta.Width = &w
			}
			if h, ok := parseInt(tr.Height); ok && meta.Height == nil {
				meta.Height = &h
			}
			if fr, ok := parseFloat(tr.FrameRate); ok && meta.FrameRate == nil {
				meta.FrameRate = &fr
			}
			if hdr := hdrMarker(tr); hdr != "" && meta.HDR == nil {
				meta.HDR = &hdr
			}
		case "Audio":
			if tr.Format != "" {
				meta.AudioCodecs = append(meta.AudioCodecs, tr.Format)
			}
			if ch, ok := parseChannels(tr.Channels); ok {
				if meta.MaxAudioChannels == nil || ch > *meta.MaxAudioChannels {
					meta.MaxAudioChannels = &ch
				}
			}
			if isAtmos(tr) {
				meta.Atmos = true
			}
		}
	}
	return meta
}

// hdrMarker normalizes the HDR_Format fields into the markers the rules
// engine understands. Dolby Vision wins over its HDR10 compatibility layer.
func hdrMarker(tr track) string {
	combined := tr.HDRFormat + " " + tr.HDRFormatCompatibility
	switch {
	case strings.Contains(combined, "Dolby Vision"):
		return "DV"
	case strings.Contains(combined, "2094") || strings.Contains(combined, "HDR10+"):
		return "HDR10+"
	case strings.Contains(combined, "2086") || strings.Contains(combined, "HDR10"):
		return "HDR10"
	default:
		return ""
	}
}

// isAtmos recognizes Dolby Atmos by the commercial name or the JOC extension.
func isAtmos(tr track) bool {
	return strings.Contains(tr.FormatCommercial, "Atmos") ||
		strings.Contains(tr.FormatAdditional, "JOC")
}

// parseChannels handles plain counts and multi-layout values like "8 / 6".
func parseChannels(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	best := 0
	for _, part := range strings.Split(s, "/") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > best {
			best = n
		}
	}
	return best, best > 0
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
