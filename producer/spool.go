// Package producer is the producer-side client: it picks frames up from a
// local spool file written by the capture process and sends them to the relay
// over the ingest protocol. Camera capture itself lives outside this module.
package producer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	golog "github.com/ipfs/go-log/v2"
)

var logger = golog.Logger("producer")

// SpoolSource watches a spool file for new frames. The file layout is a
// 4-byte little-endian payload length followed by the payload; the capture
// process rewrites the whole file per frame.
type SpoolSource struct {
	path      string
	watcher   *fsnotify.Watcher
	Frames    chan []byte
	lastFrame []byte
}

func NewSpoolSource(path string) (*SpoolSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &SpoolSource{
		path:    path,
		watcher: watcher,
		Frames:  make(chan []byte, 10),
	}, nil
}

func (s *SpoolSource) readFrame() ([]byte, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no spool file at %s", s.path)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("invalid spool data: too short")
	}
	length := binary.LittleEndian.Uint32(data[:4])
	if uint32(len(data)-4) < length {
		return nil, fmt.Errorf("invalid spool data: header says %d bytes, file has %d", length, len(data)-4)
	}
	return data[4 : 4+length], nil
}

// Watch pushes each new frame from the spool file into Frames until the
// watcher closes. Consecutive identical payloads are skipped so a doubled
// write event does not produce a duplicate frame.
func (s *SpoolSource) Watch() {
	logger.Infof("Watching spool file %s", s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
				continue
			}
			frameData, err := s.readFrame()
			if err != nil {
				logger.Warnf("Error reading spool frame: %v", err)
				continue
			}
			if bytes.Equal(frameData, s.lastFrame) {
				continue
			}
			s.lastFrame = frameData
			s.Frames <- frameData

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Spool watcher error: %v", err)
		}
	}
}

func (s *SpoolSource) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
