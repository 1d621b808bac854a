package config

import (
	"flag"
	"os"
	"time"

	"github.com/recwarden/agent/internal/flagx"
)

// parseFlags populates selected agent Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-r string   resource (camera) id
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-v string   capture device path (e.g., "/dev/video0")
//	-dir string recordings directory
//	-q string   upload queue file path
//	-poll int   reservation poll interval, seconds
//	-buf int    pre-start buffer, seconds
//	-w int      upload workers
//	-m          apply embedded schema migrations at startup
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Interval flags are accepted as integers in seconds and then converted
//     to time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-d", "-r", "-u", "-p", "-b", "-g", "-e", "-v",
		"-dir", "-q", "-poll", "-buf", "-w", "-m",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.ResourceID, "r", config.ResourceID, "resource (camera) id")

	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.CaptureDevice, "v", config.CaptureDevice, "capture device path")
	fs.StringVar(&config.RecordingsDir, "dir", config.RecordingsDir, "recordings directory")
	fs.StringVar(&config.QueuePath, "q", config.QueuePath, "upload queue file path")

	pollInterval := fs.Int("poll", int(config.PollInterval.Seconds()), "reservation poll interval (in seconds)")
	preStartBuffer := fs.Int("buf", int(config.PreStartBuffer.Seconds()), "pre-start buffer (in seconds)")

	fs.IntVar(&config.UploadWorkers, "w", config.UploadWorkers, "upload workers")
	fs.BoolVar(&config.ApplyMigrations, "m", config.ApplyMigrations, "apply schema migrations at startup")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.PollInterval = time.Duration(*pollInterval) * time.Second
	config.PreStartBuffer = time.Duration(*preStartBuffer) * time.Second
}
