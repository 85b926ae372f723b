package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { margin: 0; background: #111; color: #ddd; font-family: sans-serif; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 8px; border-radius: 4px; background: #333; font-size: 12px; }
        .controls { display: flex; gap: 8px; margin: 12px 0; }
        video { width: 100%; height: auto; background: #000; display: block; }
        pre { background: #1b1b1b; padding: 8px; font-size: 12px; overflow: auto; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>{{.Title}}</h1>
            <span class="badge" id="status-badge">Waiting for streamer...</span>
        </div>

        <div style="position:relative;">
            <video id="webrtc-video" autoplay playsinline muted></video>
            <div id="webrtc-status"
                 style="position:absolute;top:10px;right:10px;padding:4px 8px;background:rgba(0,0,0,0.7);color:#ff0;font-size:12px;border-radius:4px;">
                ● Connecting...
            </div>
        </div>

        <div class="controls">
            <button type="button" id="btn-record-start">Start recording</button>
            <button type="button" id="btn-record-stop">Stop recording</button>
        </div>

        <pre id="status"></pre>
    </div>

    <script>
        const video = document.getElementById('webrtc-video');
        const statusDiv = document.getElementById('webrtc-status');
        const badge = document.getElementById('status-badge');
        const statusPre = document.getElementById('status');

        function setState(text, color) {
            statusDiv.textContent = '● ' + text;
            statusDiv.style.color = color;
        }

        async function initWebRTC() {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            pc.addTransceiver('video', { direction: 'recvonly' });
            pc.ontrack = (ev) => { video.srcObject = ev.streams[0] || new MediaStream([ev.track]); };
            pc.onconnectionstatechange = () => {
                if (pc.connectionState === 'connected') setState('Connected', '#0f0');
                else if (pc.connectionState === 'failed' || pc.connectionState === 'closed') setState('Disconnected', '#f00');
            };

            await pc.setLocalDescription(await pc.createOffer());
            await new Promise((resolve) => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.onicegatheringstatechange = () => { if (pc.iceGatheringState === 'complete') resolve(); };
            });

            const resp = await fetch('/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription),
            });
            if (!resp.ok) {
                setState('Offer rejected (' + resp.status + ')', '#f00');
                return;
            }
            await pc.setRemoteDescription(await resp.json());
        }

        async function post(path) {
            const resp = await fetch(path, { method: 'POST' });
            const body = await resp.json();
            if (!body.success) alert(body.error);
        }

        document.getElementById('btn-record-start').addEventListener('click', () => post('/start'));
        document.getElementById('btn-record-stop').addEventListener('click', () => post('/stop'));

        const events = new EventSource('/api/status/stream');
        events.onmessage = (ev) => {
            const status = JSON.parse(ev.data);
            const streamer = status.streamer || {};
            badge.textContent = streamer.connected ? 'Streamer ' + streamer.remote : 'Waiting for streamer...';
            statusPre.textContent = JSON.stringify(status, null, 2);
        };

        window.addEventListener('load', () => {
            initWebRTC().catch((err) => {
                console.error('[App] WebRTC initialization failed:', err);
                setState('Failed', '#f00');
            });
        });
    </script>
</body>
</html>
`
