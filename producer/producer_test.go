package producer

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"strzcam.com/videorelay/frame"
)

func writeSpoolFrame(t *testing.T, path string, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	file, err := os.Create(path)
	if err != nil {
		t.Fatal("Failed to create spool file:", err)
	}
	defer file.Close()
	file.Write(header)
	file.Write(payload)
	file.Sync()
}

func TestNoSpoolFileToRead(t *testing.T) {
	dir := t.TempDir()
	source, err := NewSpoolSource(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal("Failed to create spool source:", err)
	}
	defer source.Close()
	if _, err := source.readFrame(); err == nil {
		t.Error("Expected an error reading a missing spool file")
	}
}

func TestReadSpoolFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video_frame")
	payload := []byte("test frame data")
	writeSpoolFrame(t, path, payload)

	source, err := NewSpoolSource(path)
	if err != nil {
		t.Fatal("Failed to create spool source:", err)
	}
	defer source.Close()

	got, err := source.readFrame()
	if err != nil {
		t.Fatal("readFrame failed:", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}
}

func TestReadSpoolFrameShortHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video_frame")
	os.WriteFile(path, []byte{0x01}, 0644)

	source, err := NewSpoolSource(path)
	if err != nil {
		t.Fatal("Failed to create spool source:", err)
	}
	defer source.Close()

	if _, err := source.readFrame(); err == nil {
		t.Error("Expected an error for a spool file shorter than its header")
	}
}

func TestWatchDeliversNewFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video_frame")

	source, err := NewSpoolSource(path)
	if err != nil {
		t.Fatal("Failed to create spool source:", err)
	}
	defer source.Close()
	go source.Watch()
	time.Sleep(10 * time.Millisecond)

	writeSpoolFrame(t, path, []byte("frame one"))
	select {
	case got := <-source.Frames:
		if string(got) != "frame one" {
			t.Errorf("Expected frame one, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

func TestWatchSkipsDuplicateFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video_frame")

	source, err := NewSpoolSource(path)
	if err != nil {
		t.Fatal("Failed to create spool source:", err)
	}
	defer source.Close()
	go source.Watch()
	time.Sleep(10 * time.Millisecond)

	writeSpoolFrame(t, path, []byte("same"))
	writeSpoolFrame(t, path, []byte("same"))
	writeSpoolFrame(t, path, []byte("different"))

	var got [][]byte
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case f := <-source.Frames:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("Timeout, received %d frame(s)", len(got))
		}
	}
	if string(got[0]) != "same" || string(got[1]) != "different" {
		t.Errorf("Expected [same different], got [%s %s]", got[0], got[1])
	}
	select {
	case f := <-source.Frames:
		t.Errorf("Expected no further frames, got %q", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSendsFramedMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Listen failed:", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := frame.ReadFrame(conn, frame.DefaultMaxPayload)
		if err != nil {
			return
		}
		received <- payload
	}()

	client, err := Dial(ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatal("Dial failed:", err)
	}
	defer client.Close()

	if err := client.Send([]byte("framed payload")); err != nil {
		t.Fatal("Send failed:", err)
	}
	select {
	case got := <-received:
		if string(got) != "framed payload" {
			t.Errorf("Expected framed payload, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the server to read the frame")
	}
}

func TestClientRunStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Listen failed:", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	client, err := Dial(ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatal("Dial failed:", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, frames) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Error("Run should return nil on cancellation, got:", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for Run to stop")
	}
}
