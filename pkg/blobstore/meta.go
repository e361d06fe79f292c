package blobstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
)

// LoadMetadata reads and decodes the metadata record at metaPath. It is a
// free function (rather than a Store method) so components that only hold
// a job's meta_path — the Orchestrator and Worker — can read it without
// depending on a live Store instance.
func LoadMetadata(metaPath string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, errdefs.ErrNotFound
		}
		return m, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: decoding metadata: %v", errdefs.ErrInternal, err)
	}
	return m, nil
}
