package config

// Defaults for the release feed and the deployed container.
const (
	DefaultListenAddr = ":8080"

	DefaultOwner      = "LaszloRobert"
	DefaultRepo       = "projectshelf"
	DefaultAPIBaseURL = "https://api.github.com"

	DefaultImage         = "robertls/projectshelf:latest"
	DefaultContainerName = "projectshelf"
)
