package instance

import "os"

// GetID returns the process identifier used in logs, falling back to the
// platform dyno name and then to fallback.
func GetID(fallback string) string {
	if id := os.Getenv("MATE_INSTANCE_ID"); id != "" {
		return id
	}
	if id := os.Getenv("DYNO"); id != "" {
		return id
	}
	return fallback
}
