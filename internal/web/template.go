package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/badge-node/internal/display"
	"github.com/sweeney/badge-node/internal/status"
)

// ledView is one lamp in the badge preview.
type ledView struct {
	Color string
	On    bool
}

var ledColors = [display.NumLEDs]string{"blue", "red", "green", "blue", "red", "green"}

func ledPreview(p display.Pattern) []ledView {
	out := make([]ledView, display.NumLEDs)
	for i := range out {
		out[i] = ledView{Color: ledColors[i], On: p&(1<<uint(i)) != 0}
	}
	return out
}

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
	"addr": status.FormatAddr,
	"onoff": func(on bool) string {
		if on {
			return "ON"
		}
		return "OFF"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Badge {{addr .Config.Addr}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.led { display: inline-block; width: 14px; height: 14px; border-radius: 50%; margin: 0 3px; border: 1px solid #999; background: #eee; }
.led.on.blue { background: #2962ff; }
.led.on.red { background: #d50000; }
.led.on.green { background: #00c853; }
.gap { display: inline-block; width: 16px; }
</style>
</head>
<body>
<h1>Badge {{addr .Config.Addr}}{{if .Badge.Name}} ({{.Badge.Name}}){{end}}</h1>

<h2>State</h2>
<table>
<tr><th>Health</th><td id="health-state"{{if not .Started}} class="unknown"{{end}}>{{if .Started}}{{.Badge.Health}}{{else}}UNKNOWN{{end}}</td></tr>
<tr><th>LEDs</th><td>{{range $i, $l := .LEDs}}{{if eq $i 3}}<span class="gap"></span>{{end}}<span class="led {{$l.Color}}{{if $l.On}} on{{end}}"></span>{{end}}</td></tr>
<tr><th>Identify</th><td>{{if .Badge.Blinking}}blinking{{else}}no{{end}}</td></tr>
<tr><th>On/Off</th><td>{{onoff .Badge.OnOff.Current}} ({{.Badge.OnOff.Phase}}{{if .Badge.OnOff.Remaining}}, {{.Badge.OnOff.Remaining}} left{{end}})</td></tr>
<tr><th>Level</th><td>{{.Badge.Level.Current}} ({{.Badge.Level.Phase}}{{if .Badge.Level.Remaining}}, {{.Badge.Level.Remaining}} left{{end}})</td></tr>
</table>

<h2>Contacts</h2>
<table>
{{range .Badge.Contacts}}<tr><th>{{addr .Addr}}</th><td>{{.RSSI}} dBm</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Frames</h2>
<table>
<tr><th>Received</th><td>{{.Frames.Received}}</td></tr>
<tr><th>Handled</th><td>{{.Frames.Handled}}</td></tr>
<tr><th>Dropped</th><td>{{.Frames.Dropped}}</td></tr>
<tr><th>Unknown</th><td>{{.Frames.Unknown}}</td></tr>
<tr><th>Failed</th><td>{{.Frames.Failed}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .Link.Connected}}connected{{else}}disconnected{{end}}">{{if .Link.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topic prefix</th><td>{{.Config.TopicPrefix}}</td></tr>
<tr><th>Buffered</th><td>{{.Link.Buffered}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Capacity</th><td>{{.Config.Capacity}}</td></tr>
<tr><th>Contact floor</th><td>{{.Config.ContactFloor}} dBm</td></tr>
<tr><th>Heartbeat</th><td>{{.Config.HeartbeatMs}}ms</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/proximity.json">Proximity</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	pattern := display.Blank
	if snap.Started {
		pattern = display.Map(snap.Badge.Health)
	}
	data := struct {
		status.Snapshot
		Uptime time.Duration
		LEDs   []ledView
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		LEDs:     ledPreview(pattern),
	}
	return indexTmpl.Execute(w, data)
}
