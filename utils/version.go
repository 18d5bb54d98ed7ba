package utils

// Build metadata, set via -ldflags at release build time.
var (
	Tag        string
	GitHash    string
	BuildStamp string
)
