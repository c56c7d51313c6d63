package storage

import (
	"embed"
	"encoding/json"
	"fmt"

	"crosspost/internal/post"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// jobColumns is the select list shared by the SQL drivers.
const jobColumns = `id, content, targets, scheduled_at, status, results, claimed_at, created_at, updated_at`

// encoded holds the JSON columns of a job.
type encoded struct {
	content []byte
	targets []byte
	results []byte // nil when the job has no results
}

func encodeJob(j post.Job) (encoded, error) {
	var e encoded
	var err error
	if e.content, err = json.Marshal(j.Content); err != nil {
		return e, fmt.Errorf("encode content: %w", err)
	}
	if e.targets, err = json.Marshal(j.Targets); err != nil {
		return e, fmt.Errorf("encode targets: %w", err)
	}
	if j.Results != nil {
		if e.results, err = json.Marshal(j.Results); err != nil {
			return e, fmt.Errorf("encode results: %w", err)
		}
	}
	return e, nil
}

func decodeJSONColumns(j *post.Job, content, targets, results []byte) error {
	if err := json.Unmarshal(content, &j.Content); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal(targets, &j.Targets); err != nil {
		return fmt.Errorf("decode targets: %w", err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return fmt.Errorf("decode results: %w", err)
		}
	}
	return nil
}
