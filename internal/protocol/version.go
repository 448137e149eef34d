package protocol

// Protocol versions understood by this implementation.
const (
	Version = "1.0.0"
)

// SupportedVersions returns a fresh copy of the versions accepted by default.
func SupportedVersions() []string {
	return []string{"1.0.0", "1.0.1"}
}
