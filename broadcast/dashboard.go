package broadcast

import (
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Video Stream Dashboard</title>
    <style>
        body {
            font-family: Arial, sans-serif;
            margin: 0;
            padding: 20px;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
        }
        .container { max-width: 1200px; margin: 0 auto; text-align: center; }
        .video-container {
            background: rgba(0, 0, 0, 0.3);
            border-radius: 15px;
            padding: 20px;
            margin-bottom: 20px;
        }
        .video-feed { max-width: 100%; border-radius: 10px; }
        .status {
            background: rgba(255, 255, 255, 0.1);
            padding: 15px;
            border-radius: 10px;
            margin: 20px 0;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>Video Stream Dashboard</h1>
        <div class="video-container">
            <img class="video-feed" src="/video_feed" alt="Video Stream">
        </div>
        <div class="status">
            <p>TCP ingest: port {{.TCPPort}}</p>
            <p>Web dashboard: port {{.WebPort}}</p>
            <p>Producer: <span id="connectionStatus">unknown</span></p>
        </div>
    </div>
    <script>
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = (event) => {
            const status = JSON.parse(event.data);
            document.getElementById('connectionStatus').textContent =
                status.connected ? 'connected' : 'disconnected';
        };
        ws.onerror = () => {
            // Fall back to polling when the socket is unavailable.
            setInterval(() => {
                fetch('/status')
                    .then(r => r.json())
                    .then(s => {
                        document.getElementById('connectionStatus').textContent =
                            s.connected ? 'connected' : 'disconnected';
                    })
                    .catch(() => {
                        document.getElementById('connectionStatus').textContent = 'error';
                    });
            }, 1000);
        };
    </script>
</body>
</html>
`))

func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	dashboardTemplate.Execute(w, struct {
		TCPPort int
		WebPort int
	}{s.cfg.TCPPort, s.cfg.WebPort})
}
