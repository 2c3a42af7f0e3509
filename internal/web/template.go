package web

import (
	"fmt"
	"html/template"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/sensor-node/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"values": func(vs []float64) string {
		if len(vs) == 0 {
			return "-"
		}
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		return strings.Join(parts, " ")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sensor Node {{.Config.Node}}</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.armed { color: green; font-weight: bold; }
.disarmed { color: #888; }
.error { color: red; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Sensor Node {{.Config.Node}}{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Sensors</h2>
<table>
<tr><th>ID</th><th>Kind</th><th>Armed</th><th>Cadence</th><th>Heartbeat</th><th>Values</th><th>Pulses</th><th>Sends</th></tr>
{{range .Sensors}}<tr>
<td>{{.ID}}</td>
<td>{{.Kind}}{{if .Unit}} ({{.Unit}}){{end}}</td>
<td class="{{if .Armed}}armed{{else}}disarmed{{end}}">{{if .Armed}}yes{{else}}no{{end}}</td>
<td>{{if eq .CadenceMs 0}}disabled{{else}}{{.CadenceMs}}ms{{end}}</td>
<td>{{if eq .HeartbeatMs 0}}disabled{{else}}{{.HeartbeatMs}}ms{{end}}</td>
<td id="values-{{.ID}}">{{values .Values}}</td>
<td>{{if .PulseCount}}{{.PulseCount}}{{else}}-{{end}}</td>
<td>{{.Sends}}</td>
</tr>{{if .LastError}}
<tr><td></td><td colspan="7" class="error">{{.LastError}}</td></tr>{{end}}
{{else}}<tr><td colspan="8">no sensors configured</td></tr>
{{end}}</table>

<h2>Timers</h2>
{{range .Registries}}<h3>{{.Name}} ({{.Len}}/{{.Cap}})</h3>
<table>
<tr><th>Label</th><th>Delay</th><th>Repeat</th><th>Started</th><th>Remaining</th></tr>
{{range .Timers}}<tr><td>{{.Label}}</td><td>{{.DelayMs}}ms</td><td>{{.Repeat}}</td><td>{{.Started}}</td><td>{{.RemainingMs}}ms</td></tr>
{{end}}</table>
{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Interrupt resolution</th><td>{{.Config.ResolutionMs}}ms</td></tr>
<tr><th>Status interval</th><td>{{if eq .Config.StatusIntervalMs 0}}disabled{{else}}{{.Config.StatusIntervalMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/timers">timers</a></p>
{{if .Config.WSBroker}}
<script src="https://unpkg.com/mqtt/dist/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "{{.Topic}}";
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.reading) {
        var el = document.getElementById("values-" + msg.reading.sensor);
        if (el) {
          el.textContent = msg.reading.value;
        }
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Topic  string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Topic:    liveTopic(snap.Config),
	}
	indexTmpl.Execute(w, data)
}

// liveTopic is the wildcard the page subscribes to for reading updates.
func liveTopic(cfg status.Config) string {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "sensors"
	}
	return prefix + "/" + cfg.Node + "/+/+"
}
