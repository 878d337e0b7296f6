package processors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"projectEstimate/core"
)

const (
	// DefaultMaxFrames is the target number of frames sampled per video.
	DefaultMaxFrames = 15

	// maxSampledSeconds caps how much of the video is eligible for sampling.
	maxSampledSeconds = 30
)

// FrameSampler extracts a bounded, time-uniform set of JPEG frames from a
// video blob using ffmpeg. Decoding failures are never fatal: whatever frames
// were collected before the failure are returned, and an empty result is a
// valid outcome meaning "no usable frames".
type FrameSampler struct {
	MaxFrames int
}

func NewFrameSampler() *FrameSampler {
	return &FrameSampler{MaxFrames: DefaultMaxFrames}
}

// SampleFrames writes the blob to a temporary file, probes it, and extracts
// up to MaxFrames evenly spaced frames from at most the first 30 seconds.
// Temporary decoding resources are removed on every exit path.
func (s *FrameSampler) SampleFrames(videoBytes []byte) ([]core.Frame, error) {
	maxFrames := s.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	input, err := os.CreateTemp("", "upload-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("create temp video file: %w", err)
	}
	inputPath := input.Name()
	defer os.Remove(inputPath)

	if _, err := input.Write(videoBytes); err != nil {
		input.Close()
		return nil, fmt.Errorf("write temp video file: %w", err)
	}
	input.Close()

	fps, totalFrames, duration, err := probeVideo(inputPath)
	if err != nil {
		log.Printf("Warning: failed to probe video, no frames extracted: %v", err)
		return nil, nil
	}

	eligible := eligibleFrameCount(totalFrames, fps, duration)
	if eligible <= 0 {
		return nil, nil
	}
	if duration > maxSampledSeconds {
		log.Printf("Warning: video duration (%.1fs) exceeds %ds limit, sampling only the first %ds", duration, maxSampledSeconds, maxSampledSeconds)
	}

	interval := samplingInterval(eligible, maxFrames)

	framesDir, err := os.MkdirTemp("", "frames-")
	if err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	defer os.RemoveAll(framesDir)

	pattern := filepath.Join(framesDir, "%05d.jpg")
	args := []string{
		"-y", "-i", inputPath,
		"-t", strconv.Itoa(maxSampledSeconds),
		"-vf", fmt.Sprintf("select=not(mod(n\\,%d))", interval),
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(maxFrames),
		pattern,
	}
	if err := runFFmpeg(args); err != nil {
		// Partial decode: keep whatever landed on disk before the failure.
		log.Printf("Warning: frame extraction stopped early: %v", err)
	}

	return collectFrames(framesDir, interval, fps, maxFrames)
}

// collectFrames reads the extracted JPEGs back in source order and rebuilds
// their source timestamps from the sampling interval.
func collectFrames(framesDir string, interval int, fps float64, maxFrames int) ([]core.Frame, error) {
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([]core.Frame, 0, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(name, ".jpg")
		seq, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(framesDir, name))
		if err != nil || len(data) == 0 {
			continue
		}
		ts := 0.0
		if fps > 0 {
			ts = float64((seq-1)*interval) / fps
		}
		frames = append(frames, core.Frame{Index: len(frames), TimestampSec: ts, Data: data})
		if len(frames) >= maxFrames {
			break
		}
	}
	return frames, nil
}

// eligibleFrameCount limits the frame range to the first 30 seconds.
func eligibleFrameCount(totalFrames int, fps, duration float64) int {
	if totalFrames <= 0 {
		return 0
	}
	if duration > maxSampledSeconds && fps > 0 {
		return int(maxSampledSeconds * fps)
	}
	return totalFrames
}

func samplingInterval(eligible, maxFrames int) int {
	if maxFrames <= 0 {
		return 1
	}
	interval := eligible / maxFrames
	if interval < 1 {
		return 1
	}
	return interval
}

type ffprobeOutput struct {
	Streams []struct {
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probeVideo returns the first video stream's frame rate, total frame count
// and container duration.
func probeVideo(path string) (fps float64, totalFrames int, duration float64, err error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,nb_frames",
		"-show_entries", "format=duration",
		"-print_format", "json",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return 0, 0, 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbeOutput(out.Bytes())
}

func parseProbeOutput(data []byte) (fps float64, totalFrames int, duration float64, err error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, 0, 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return 0, 0, 0, fmt.Errorf("no video stream found")
	}

	fps = parseFrameRate(probe.Streams[0].AvgFrameRate)
	duration, _ = strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	totalFrames, _ = strconv.Atoi(strings.TrimSpace(probe.Streams[0].NbFrames))
	if totalFrames <= 0 && fps > 0 {
		totalFrames = int(duration * fps)
	}
	return fps, totalFrames, duration, nil
}

// parseFrameRate parses ffprobe's rational frame rate ("30000/1001").
func parseFrameRate(rate string) float64 {
	rate = strings.TrimSpace(rate)
	if rate == "" || rate == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func runFFmpeg(args []string) error {
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stdout = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
