package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration named by SMSD_CONFIG.
//
//	default_provider: twilio
//	queues:
//	  sms_queue:
//	    concurrency: 5
//	    retry: {max_attempts: 3, backoff: 30s, dead_letter: true}
//	providers:
//	  - id: fonecloud
//	    settings:
//	      api_key: ${FONECLOUD_API_KEY}
type File struct {
	DefaultProvider string               `yaml:"default_provider"`
	Queues          map[string]QueueFile `yaml:"queues"`
	Providers       []ProviderFile       `yaml:"providers"`
}

type QueueFile struct {
	Concurrency    int       `yaml:"concurrency"`
	PollInterval   Duration  `yaml:"poll_interval"`
	DequeueTimeout Duration  `yaml:"dequeue_timeout"`
	Retry          RetryFile `yaml:"retry"`
}

type RetryFile struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
	DeadLetter  bool     `yaml:"dead_letter"`
}

// ProviderFile describes one carrier adapter built through its registered
// factory. Settings values are expanded against the environment.
type ProviderFile struct {
	ID       string            `yaml:"id"`
	Settings map[string]string `yaml:"settings"`
}

// Duration accepts Go duration strings such as "750ms" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoadFile reads path. An empty path yields an empty File.
func LoadFile(path string) (File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return File{}, nil
	}
	handle, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer handle.Close()

	file, err := decodeFile(handle)
	if err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return file, nil
}

func decodeFile(reader io.Reader) (File, error) {
	var file File
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}

	seen := make(map[string]bool, len(file.Providers))
	for index, provider := range file.Providers {
		id := strings.ToLower(strings.TrimSpace(provider.ID))
		if id == "" {
			return File{}, fmt.Errorf("providers[%d]: id is required", index)
		}
		if seen[id] {
			return File{}, fmt.Errorf("providers[%d]: duplicate id %q", index, id)
		}
		seen[id] = true
		file.Providers[index].ID = id
		for key, value := range provider.Settings {
			file.Providers[index].Settings[key] = os.ExpandEnv(value)
		}
	}
	for name, queue := range file.Queues {
		if queue.Concurrency < 0 {
			return File{}, fmt.Errorf("queues.%s: concurrency must not be negative", name)
		}
	}
	return file, nil
}
