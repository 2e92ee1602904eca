package cmd

// viewerHTML renders the status and log messages pushed over /ws and /ws/logs
const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Data Exporter - Viewer</title>
    <style>
        body {
            font-family: system-ui, -apple-system, sans-serif;
            margin: 0;
            padding: 2rem;
            background: #f5f5f7;
            color: #333;
        }
        h1 { color: #7D56F4; margin-top: 0; }
        table { width: 100%; border-collapse: collapse; background: white; }
        th, td { padding: 0.5rem 0.75rem; border-bottom: 1px solid #eee; text-align: left; }
        th { background: #fafafa; font-weight: 600; }
        .running { color: #1a7f37; font-weight: 600; }
        .stopped { color: #999; }
        #logs {
            margin-top: 2rem;
            background: #1e1e1e;
            color: #ddd;
            font-family: ui-monospace, monospace;
            font-size: 0.85rem;
            padding: 1rem;
            height: 320px;
            overflow-y: auto;
            border-radius: 6px;
        }
        .level-ERROR { color: #ff6b6b; }
        .level-WARN { color: #ffd93d; }
        .level-DEBUG { color: #888; }
        footer { margin-top: 1rem; font-size: 0.8rem; color: #888; }
    </style>
</head>
<body>
    <h1>Data Exporter</h1>
    <table>
        <thead>
            <tr>
                <th>Job</th><th>State</th><th>Format</th><th>Pages</th><th>Rows</th>
                <th>Cursor</th><th>File</th><th>Task</th><th>Updated</th>
            </tr>
        </thead>
        <tbody id="jobs"><tr><td colspan="9">Waiting for status...</td></tr></tbody>
    </table>
    <div id="logs"></div>
    <footer>Version <span id="version"></span> &middot; <a href="/metrics">metrics</a></footer>
    <script>
        function cell(text) {
            const td = document.createElement('td');
            td.textContent = text === undefined || text === null ? '' : String(text);
            return td;
        }

        function renderStatus(status) {
            document.getElementById('version').textContent = status.version;
            const body = document.getElementById('jobs');
            body.innerHTML = '';
            if (!status.jobs || status.jobs.length === 0) {
                const tr = document.createElement('tr');
                const td = cell('No exports have run yet');
                td.colSpan = 9;
                tr.appendChild(td);
                body.appendChild(tr);
                return;
            }
            for (const job of status.jobs) {
                const t = job.task || {};
                const tr = document.createElement('tr');
                tr.appendChild(cell(t.job_id));
                const state = cell(job.running ? 'running' : 'stopped');
                state.className = job.running ? 'running' : 'stopped';
                tr.appendChild(state);
                tr.appendChild(cell(t.format));
                tr.appendChild(cell(t.pages));
                tr.appendChild(cell(t.rows));
                tr.appendChild(cell(t.cursor));
                tr.appendChild(cell(t.current_file));
                tr.appendChild(cell(t.current_task));
                tr.appendChild(cell(t.last_update ? new Date(t.last_update).toLocaleTimeString() : ''));
                body.appendChild(tr);
            }
        }

        function connect(path, onMessage) {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + path);
            ws.onmessage = (event) => onMessage(JSON.parse(event.data));
            ws.onclose = () => setTimeout(() => connect(path, onMessage), 2000);
        }

        connect('/ws', (msg) => {
            if (msg.type === 'status') {
                renderStatus(msg.data);
            }
        });

        connect('/ws/logs', (msg) => {
            const logs = document.getElementById('logs');
            const line = document.createElement('div');
            line.className = 'level-' + msg.level;
            line.textContent = msg.timestamp + ' ' + msg.level + ' ' + msg.message;
            logs.appendChild(line);
            while (logs.childNodes.length > 500) {
                logs.removeChild(logs.firstChild);
            }
            logs.scrollTop = logs.scrollHeight;
        });
    </script>
</body>
</html>`
