package domain

// Bitrate defaults, tuned so a typical highlight stays under common
// upload size limits.
const (
	bitrateScalar  = 0.7
	maxBitrateMbit = 10
	maxFileSizeMB  = 25
)

// CalculateBitrate picks a video bitrate for a clip of the given
// duration in seconds, capped so the output neither exceeds the
// bitrate ceiling nor the target file size.
func CalculateBitrate(duration float64) int {
	maxBitrate := maxBitrateMbit * 1024 * 1024
	maxFileSize := maxFileSizeMB * 8 * 1024 * 1024

	sized := int(float64(maxFileSize) / duration * bitrateScalar)
	if sized < maxBitrate {
		return sized
	}
	return maxBitrate
}
