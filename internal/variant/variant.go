package variant

import (
	"fmt"
	"strings"
	"time"

	"transcoder/internal/services"
	"transcoder/internal/textutil"
)

// Format is an output container/codec family.
type Format string

// Profile is a resolution and bitrate tier.
type Profile string

const (
	FormatMP4  Format = "V1"
	FormatWebM Format = "V2"
)

const (
	Profile480p  Profile = "P1"
	Profile720p  Profile = "P2"
	Profile1080p Profile = "P3"
)

// ErrInvalidVariant marks a format or profile outside the catalog.
var ErrInvalidVariant = fmt.Errorf("%w: invalid variant", services.ErrValidation)

// Formats lists every recognized format in catalog order.
func Formats() []Format { return []Format{FormatMP4, FormatWebM} }

// Profiles lists every recognized profile from cheapest to most expensive.
func Profiles() []Profile { return []Profile{Profile480p, Profile720p, Profile1080p} }

// Request is one requested (format, profile) pair before validation.
type Request struct {
	Format  string `json:"format"`
	Profile string `json:"profile"`
}

// Key identifies a validated variant.
type Key struct {
	Format  Format
	Profile Profile
}

func (k Key) String() string { return string(k.Format) + "/" + string(k.Profile) }

// Spec is the fully resolved set of encoding parameters for one variant.
type Spec struct {
	Format       Format
	Profile      Profile
	Container    string
	VideoCodec   string
	AudioCodec   string
	Extension    string
	Width        int
	Height       int
	VideoBitrate string
	AudioBitrate string
	Preset       string
	ExtraArgs    []string
	Label        string
}

type formatSpec struct {
	container  string
	videoCodec string
	audioCodec string
	extension  string
	preset     string
	extraArgs  []string
	name       string
}

type profileSpec struct {
	width        int
	height       int
	videoBitrate string
	audioBitrate string
	name         string
	priority     int
}

var formatTable = map[Format]formatSpec{
	FormatMP4: {
		container:  "mp4",
		videoCodec: "libx264",
		audioCodec: "aac",
		extension:  "mp4",
		preset:     "medium",
		extraArgs:  []string{"-crf", "23", "-movflags", "+faststart"},
		name:       "MP4/H.264",
	},
	FormatWebM: {
		container:  "webm",
		videoCodec: "libvpx-vp9",
		audioCodec: "libopus",
		extension:  "webm",
		extraArgs:  []string{"-deadline", "good", "-cpu-used", "1", "-row-mt", "1"},
		name:       "WebM/VP9",
	},
}

// Lower priority values are dequeued first so cheap renditions never starve
// behind expensive ones.
var profileTable = map[Profile]profileSpec{
	Profile480p:  {width: 854, height: 480, videoBitrate: "1000k", audioBitrate: "128k", name: "480p", priority: 1},
	Profile720p:  {width: 1280, height: 720, videoBitrate: "2500k", audioBitrate: "192k", name: "720p", priority: 2},
	Profile1080p: {width: 1920, height: 1080, videoBitrate: "5000k", audioBitrate: "256k", name: "1080p", priority: 3},
}

// ParseFormat validates a format string. Matching is case-insensitive on the
// trimmed value.
func ParseFormat(value string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := formatTable[f]; !ok {
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidVariant, value)
	}
	return f, nil
}

// ParseProfile validates a profile string.
func ParseProfile(value string) (Profile, error) {
	p := Profile(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := profileTable[p]; !ok {
		return "", fmt.Errorf("%w: unknown profile %q", ErrInvalidVariant, value)
	}
	return p, nil
}

// Parse validates a raw request pair.
func Parse(req Request) (Key, error) {
	format, err := ParseFormat(req.Format)
	if err != nil {
		return Key{}, err
	}
	profile, err := ParseProfile(req.Profile)
	if err != nil {
		return Key{}, err
	}
	return Key{Format: format, Profile: profile}, nil
}

// Resolve returns the encoding parameters for a format/profile pair.
func Resolve(format Format, profile Profile) (Spec, error) {
	fs, ok := formatTable[format]
	if !ok {
		return Spec{}, fmt.Errorf("%w: unknown format %q", ErrInvalidVariant, format)
	}
	ps, ok := profileTable[profile]
	if !ok {
		return Spec{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidVariant, profile)
	}
	return Spec{
		Format:       format,
		Profile:      profile,
		Container:    fs.container,
		VideoCodec:   fs.videoCodec,
		AudioCodec:   fs.audioCodec,
		Extension:    fs.extension,
		Width:        ps.width,
		Height:       ps.height,
		VideoBitrate: ps.videoBitrate,
		AudioBitrate: ps.audioBitrate,
		Preset:       fs.preset,
		ExtraArgs:    append([]string(nil), fs.extraArgs...),
		Label:        fs.name + " @ " + ps.name,
	}, nil
}

// Label renders a human label such as "MP4/H.264 @ 720p". Unknown pairs fall
// back to the raw key.
func Label(format Format, profile Profile) string {
	spec, err := Resolve(format, profile)
	if err != nil {
		return Key{Format: format, Profile: profile}.String()
	}
	return spec.Label
}

// Priority is the queue priority for a profile; lower runs first. Unknown
// profiles sort last.
func Priority(profile Profile) int {
	if ps, ok := profileTable[profile]; ok {
		return ps.priority
	}
	return len(profileTable) + 1
}

// Resolution renders WIDTHxHEIGHT.
func (s Spec) Resolution() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// OutputFileName builds "<stem>_<format>_<profile>_<unixms>.<ext>" for a
// source file name.
func (s Spec) OutputFileName(sourceName string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d.%s", textutil.FileStem(sourceName), s.Format, s.Profile, now.UnixMilli(), s.Extension)
}

// EncoderArgs returns the ffmpeg output options for this variant, excluding
// input and output paths.
func (s Spec) EncoderArgs() []string {
	args := []string{
		"-c:v", s.VideoCodec,
		"-b:v", s.VideoBitrate,
		"-s", s.Resolution(),
		"-c:a", s.AudioCodec,
		"-b:a", s.AudioBitrate,
		"-f", s.Container,
	}
	if s.Preset != "" {
		args = append(args, "-preset", s.Preset)
	}
	return append(args, s.ExtraArgs...)
}
