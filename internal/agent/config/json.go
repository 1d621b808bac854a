package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/recwarden/agent/internal/flagx"
	"github.com/recwarden/agent/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "30s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON config
// files. After unmarshalling, its fields are copied into the runtime
// Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN    string `json:"database_dsn"`
	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	ResourceID string `json:"resource_id"`

	CaptureDevice string `json:"capture_device"`
	RecordWidth   int    `json:"record_width"`
	RecordHeight  int    `json:"record_height"`
	RecordFPS     int    `json:"record_fps"`
	RecordBitrate int    `json:"record_bitrate"`

	RecordingsDir string `json:"recordings_dir"`
	QueuePath     string `json:"queue_path"`

	PollInterval   timex.Duration `json:"poll_interval"`
	TickInterval   timex.Duration `json:"tick_interval"`
	StatusInterval timex.Duration `json:"status_interval"`
	PreStartBuffer timex.Duration `json:"pre_start_buffer"`
	Lookahead      timex.Duration `json:"lookahead"`
	StartGrace     timex.Duration `json:"start_grace"`
	StopRetries    int            `json:"stop_retries"`

	MaxUploadAttempts int            `json:"max_upload_attempts"`
	BackoffBase       timex.Duration `json:"backoff_base"`
	BackoffCap        timex.Duration `json:"backoff_cap"`
	UploadWorkers     int            `json:"upload_workers"`

	RemoteTimeout timex.Duration `json:"remote_timeout"`
	ShutdownGrace timex.Duration `json:"shutdown_grace"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when
// neither is set, no JSON file is loaded. Zero-valued JSON fields leave the
// corresponding Config defaults untouched. If the file cannot be read or
// contains invalid JSON, the function panics.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.ResourceID, c.ResourceID)
	setString(&config.CaptureDevice, c.CaptureDevice)
	setString(&config.RecordingsDir, c.RecordingsDir)
	setString(&config.QueuePath, c.QueuePath)

	setInt(&config.RecordWidth, c.RecordWidth)
	setInt(&config.RecordHeight, c.RecordHeight)
	setInt(&config.RecordFPS, c.RecordFPS)
	setInt(&config.RecordBitrate, c.RecordBitrate)
	setInt(&config.StopRetries, c.StopRetries)
	setInt(&config.MaxUploadAttempts, c.MaxUploadAttempts)
	setInt(&config.UploadWorkers, c.UploadWorkers)

	setDuration(&config.PollInterval, c.PollInterval)
	setDuration(&config.TickInterval, c.TickInterval)
	setDuration(&config.StatusInterval, c.StatusInterval)
	setDuration(&config.PreStartBuffer, c.PreStartBuffer)
	setDuration(&config.Lookahead, c.Lookahead)
	setDuration(&config.StartGrace, c.StartGrace)
	setDuration(&config.BackoffBase, c.BackoffBase)
	setDuration(&config.BackoffCap, c.BackoffCap)
	setDuration(&config.RemoteTimeout, c.RemoteTimeout)
	setDuration(&config.ShutdownGrace, c.ShutdownGrace)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
