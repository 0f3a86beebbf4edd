// Package web_rtc carries the WebRTC side path: a publisher posts an SDP
// offer to /publish and its video track is relayed to browser viewers who
// post theirs to /viewer. When no WebRTC publisher is live, viewers get a
// VP8 track encoded from the shared frame store instead, so the TCP-ingested
// feed is watchable over WebRTC too.
package web_rtc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	golog "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v3"

	"strzcam.com/videorelay/broadcast"
	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/store"
)

var logger = golog.Logger("web_rtc")

var iceServers = []webrtc.ICEServer{
	{
		URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
	},
}

// SessionDescription is the JSON body exchanged on /publish and /viewer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Relay struct {
	cfg      config.Config
	fallback *FallbackTrack

	mu             sync.Mutex
	publisherTrack *webrtc.TrackLocalStaticRTP
	active         map[*webrtc.PeerConnection]struct{}
}

func NewRelay(st *store.Store, cfg config.Config) *Relay {
	return &Relay{
		cfg:      cfg,
		fallback: NewFallbackTrack(st, cfg),
		active:   make(map[*webrtc.PeerConnection]struct{}),
	}
}

// Register mounts the signaling endpoints on the broadcast HTTP server.
func (r *Relay) Register(server *broadcast.Server) {
	server.HandleFunc("/publish", r.handlePublish)
	server.HandleFunc("/viewer", r.handleViewer)
}

// Fallback returns the store-fed track; the caller runs it for the process
// lifetime.
func (r *Relay) Fallback() *FallbackTrack {
	return r.fallback
}

func (r *Relay) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.active[pc] = struct{}{}
	r.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infof("Peer connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			r.mu.Lock()
			delete(r.active, pc)
			r.mu.Unlock()
			pc.Close()
		}
	})
	return pc, nil
}

// handlePublish accepts a publisher's offer. The server is receive-only; the
// inbound video track's RTP packets are copied onto a local track that
// viewers subscribe to.
func (r *Relay) handlePublish(w http.ResponseWriter, req *http.Request) {
	offer, ok := decodeOffer(w, req)
	if !ok {
		return
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		logger.Infof("Publisher track received: %s", remote.Codec().MimeType)
		local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, "video", "relay")
		if err != nil {
			logger.Errorf("Creating relay track failed: %v", err)
			return
		}
		r.mu.Lock()
		r.publisherTrack = local
		r.mu.Unlock()

		for {
			packet, _, err := remote.ReadRTP()
			if err != nil {
				logger.Infof("Publisher track ended: %v", err)
				r.mu.Lock()
				if r.publisherTrack == local {
					r.publisherTrack = nil
				}
				r.mu.Unlock()
				return
			}
			if err := local.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warnf("Relaying RTP failed: %v", err)
				return
			}
		}
	})

	r.answer(w, pc, offer)
}

// handleViewer accepts a browser viewer's offer and attaches either the live
// publisher track or the store-fed fallback.
func (r *Relay) handleViewer(w http.ResponseWriter, req *http.Request) {
	offer, ok := decodeOffer(w, req)
	if !ok {
		return
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var track webrtc.TrackLocal
	r.mu.Lock()
	if r.publisherTrack != nil {
		track = r.publisherTrack
	} else {
		track = r.fallback.Track()
	}
	r.mu.Unlock()

	sender, err := pc.AddTrack(track)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		pc.Close()
		return
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	r.answer(w, pc, offer)
}

func decodeOffer(w http.ResponseWriter, req *http.Request) (webrtc.SessionDescription, bool) {
	if req.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return webrtc.SessionDescription{}, false
	}
	var body SessionDescription
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid session description", http.StatusBadRequest)
		return webrtc.SessionDescription{}, false
	}
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(body.Type),
		SDP:  body.SDP,
	}, true
}

// answer completes the offer/answer exchange and writes the local description
// once ICE gathering is done, so the answer carries the candidates.
func (r *Relay) answer(w http.ResponseWriter, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		pc.Close()
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		pc.Close()
		return
	}
	<-gathered

	w.Header().Set("Content-Type", "application/json")
	local := pc.LocalDescription()
	json.NewEncoder(w).Encode(SessionDescription{
		Type: local.Type.String(),
		SDP:  local.SDP,
	})
}

// Close tears down all live peer connections.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pc := range r.active {
		pc.Close()
	}
	r.active = make(map[*webrtc.PeerConnection]struct{})
}
