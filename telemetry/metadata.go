package telemetry

import (
	"context"
	"os"
	"time"

	"cloud.google.com/go/compute/metadata"
)

// DetectProjectID resolves the Google Cloud project identifier without
// requiring configuration. Resolution order: GOOGLE_CLOUD_PROJECT
// environment variable, then the GCE metadata server. Returns empty when
// neither resolves, which callers treat as "not on GCP".
func DetectProjectID(ctx context.Context) string {
	if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		return p
	}
	if !metadata.OnGCE() {
		return ""
	}
	// Short timeout so non-GCP environments with a slow resolver do not
	// stall startup.
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	p, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return ""
	}
	return p
}
