package actioncore

// Version information for the action orchestration core
const (
	// Version is the current release version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
