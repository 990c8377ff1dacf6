// Package transcode runs the external conversion tool for one variant.
//
// FFmpeg drives ffmpeg with machine-readable progress on stdout, maps the
// reported output time against the ffprobe duration, and writes to a
// temporary file that is renamed into place only on success.
package transcode
