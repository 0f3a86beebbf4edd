// Package config reads relay settings from the environment, with a .env file
// picked up when one is present in the working directory.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"strzcam.com/videorelay/frame"
)

type Config struct {
	Host           string        // bind host for both listeners
	TCPPort        int           // ingest port
	WebPort        int           // broadcast/dashboard port
	FrameInterval  time.Duration // pause between multipart chunks (~30 fps)
	MaxFrameBytes  uint32        // framing protocol payload bound
	MaxProducers   int           // concurrent ingest connection bound
	MaxViewers     int           // concurrent /video_feed connection bound
	SingleProducer bool          // reject a second concurrent producer
	IOTimeout      time.Duration // per-message read / per-chunk write deadline
	SpoolPath      string        // producer client frame spool file
	ServerAddr     string        // ingest address the producer client dials
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		TCPPort:        8080,
		WebPort:        5000,
		FrameInterval:  33 * time.Millisecond,
		MaxFrameBytes:  frame.DefaultMaxPayload,
		MaxProducers:   4,
		MaxViewers:     64,
		SingleProducer: true,
		IOTimeout:      30 * time.Second,
		SpoolPath:      "/dev/shm/video_frame",
		ServerAddr:     "localhost:8080",
	}
}

// Load builds a Config from RELAY_* environment variables on top of the
// defaults. A missing .env file is not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: error loading .env file: %v\n", err)
	}

	cfg := Default()
	cfg.Host = envString("RELAY_HOST", cfg.Host)
	cfg.TCPPort = envInt("RELAY_TCP_PORT", cfg.TCPPort)
	cfg.WebPort = envInt("RELAY_WEB_PORT", cfg.WebPort)
	cfg.FrameInterval = envDuration("RELAY_FRAME_INTERVAL", cfg.FrameInterval)
	cfg.MaxFrameBytes = envUint32("RELAY_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	cfg.MaxProducers = envInt("RELAY_MAX_PRODUCERS", cfg.MaxProducers)
	cfg.MaxViewers = envInt("RELAY_MAX_VIEWERS", cfg.MaxViewers)
	cfg.SingleProducer = envBool("RELAY_SINGLE_PRODUCER", cfg.SingleProducer)
	cfg.IOTimeout = envDuration("RELAY_IO_TIMEOUT", cfg.IOTimeout)
	cfg.SpoolPath = envString("RELAY_SPOOL_PATH", cfg.SpoolPath)
	cfg.ServerAddr = envString("RELAY_SERVER_ADDR", cfg.ServerAddr)
	return cfg
}

// IngestAddr is the ingest listener bind address.
func (c Config) IngestAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.TCPPort)
}

// WebAddr is the broadcast HTTP bind address.
func (c Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.WebPort)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a number, using %d\n", key, v, fallback)
		return fallback
	}
	return n
}

// envUint32 rejects values outside 1..math.MaxUint32 instead of letting a
// negative or 64-bit value wrap into a nonsense bound.
func envUint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not in 1..%d, using %d\n", key, v, uint64(math.MaxUint32), fallback)
		return fallback
	}
	return uint32(n)
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a bool, using %v\n", key, v, fallback)
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a duration, using %s\n", key, v, fallback)
		return fallback
	}
	return d
}
