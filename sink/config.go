package sink

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/config"
)

// Config is the sink configuration surface.
type Config struct {
	// AccessToken is the OAuth access token for the Mailchimp account. Required.
	AccessToken string
	// ListName selects the destination audience by name (case insensitive).
	// When empty the first audience returned by the API is used.
	ListName string
	// SubscribeStatus is the default subscription status applied to members
	// that carry no record-level override. Defaults to "subscribed".
	SubscribeStatus string
	// ProcessBatchContacts enables transformation of unified contact records
	// into the Mailchimp member format. When false, records are passed through
	// untransformed and are expected to already be in member shape.
	ProcessBatchContacts bool
	// UseFallbackSink forces the single-record upsert path instead of bulk jobs.
	UseFallbackSink bool

	Batch BatchSettings
}

// BatchSettings tunes batching thresholds and bulk job polling.
type BatchSettings struct {
	// MaxItems is the flush threshold for buffered members per audience.
	MaxItems int
	// MaxBytes is the estimated payload size flush threshold per audience.
	MaxBytes int
	// PollInitialInterval is the first wait between bulk job status checks.
	PollInitialInterval time.Duration
	// PollMaxInterval caps the exponential backoff between status checks.
	PollMaxInterval time.Duration
	// PollMaxWait bounds the total time spent waiting for one bulk job.
	PollMaxWait time.Duration
	// DrainDeadline bounds the wait for in-flight bulk jobs at end of stream.
	// Buffered records still unresolved at the deadline are marked interrupted.
	DrainDeadline time.Duration
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SubscribeStatus:      StatusSubscribed,
		ProcessBatchContacts: true,
		UseFallbackSink:      false,
		Batch: BatchSettings{
			MaxItems:            500,
			MaxBytes:            4 << 20,
			PollInitialInterval: 2 * time.Second,
			PollMaxInterval:     30 * time.Second,
			PollMaxWait:         10 * time.Minute,
			DrainDeadline:       15 * time.Minute,
		},
	}
}

// Validate checks the config for required values and recognised statuses.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New("access_token is required")
	}
	if !IsValidStatus(c.SubscribeStatus) {
		return fmt.Errorf("unrecognised subscribe_status %q", c.SubscribeStatus)
	}
	if c.Batch.MaxItems < 1 {
		return fmt.Errorf("batch max items must be at least 1, have %d", c.Batch.MaxItems)
	}
	return nil
}

// YAMLConfigUnmarshaler loads sink configuration from YAML sources with
// environment variable expansion. Later sources override earlier ones.
type YAMLConfigUnmarshaler struct{}

// Unmarshal reads the sink configuration keys from the YAML sources.
// lookupenv resolves ${VAR} references in the sources, allowing secrets
// such as the access token to be supplied via the environment.
func (u YAMLConfigUnmarshaler) Unmarshal(lookupenv func(string) (string, bool), sources ...io.Reader) (Config, error) {
	result := DefaultConfig()
	var options []config.YAMLOption
	for _, s := range sources {
		options = append(options, config.Source(s))
	}
	options = append(options, config.Expand(lookupenv))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config %w", err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config %w", key, cause)
	}
	key := "access_token"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.AccessToken); err != nil {
			return result, readError(key, err)
		}
	}
	key = "list_name"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.ListName); err != nil {
			return result, readError(key, err)
		}
	}
	key = "subscribe_status"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.SubscribeStatus); err != nil {
			return result, readError(key, err)
		}
	}
	key = "process_batch_contacts"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.ProcessBatchContacts); err != nil {
			return result, readError(key, err)
		}
	}
	key = "use_fallback_sink"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.UseFallbackSink); err != nil {
			return result, readError(key, err)
		}
	}
	// Durations are expressed in seconds in the YAML surface since the
	// yaml decoder has no native duration support.
	key = "batch"
	if yaml.Get(key).HasValue() {
		b := struct {
			MaxItems           int `yaml:"max_items"`
			MaxBytes           int `yaml:"max_bytes"`
			PollInitialSeconds int `yaml:"poll_initial_seconds"`
			PollMaxSeconds     int `yaml:"poll_max_seconds"`
			PollWaitSeconds    int `yaml:"poll_wait_seconds"`
			DrainSeconds       int `yaml:"drain_seconds"`
		}{}
		if err = yaml.Get(key).Populate(&b); err != nil {
			return result, readError(key, err)
		}
		if b.MaxItems > 0 {
			result.Batch.MaxItems = b.MaxItems
		}
		if b.MaxBytes > 0 {
			result.Batch.MaxBytes = b.MaxBytes
		}
		if b.PollInitialSeconds > 0 {
			result.Batch.PollInitialInterval = time.Duration(b.PollInitialSeconds) * time.Second
		}
		if b.PollMaxSeconds > 0 {
			result.Batch.PollMaxInterval = time.Duration(b.PollMaxSeconds) * time.Second
		}
		if b.PollWaitSeconds > 0 {
			result.Batch.PollMaxWait = time.Duration(b.PollWaitSeconds) * time.Second
		}
		if b.DrainSeconds > 0 {
			result.Batch.DrainDeadline = time.Duration(b.DrainSeconds) * time.Second
		}
	}

	if err = result.Validate(); err != nil {
		return result, err
	}

	return result, nil
}
