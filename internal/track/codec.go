package track

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

// RenderHeader returns the GPX preamble, the metadata block and the opening
// track and segment elements.
func RenderHeader(created time.Time, creator string, dev DeviceInfo) string {
	var b strings.Builder

	b.WriteString("<?xml version='1.0' encoding='UTF-8' ?>")
	b.WriteString(`<gpx version="1.1" creator="`)
	escape(&b, creator)
	b.WriteString(`" `)
	b.WriteString(`xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" `)
	b.WriteString(`xmlns="http://www.topografix.com/GPX/1/1" `)
	b.WriteString(`xsi:schemaLocation="http://www.topografix.com/GPX/1/1 `)
	b.WriteString(`http://www.topografix.com/GPX/1/1/gpx.xsd">` + "\n")

	b.WriteString("<metadata>")
	element(&b, "time", FormatTime(created))
	element(&b, "device", dev.Device)
	element(&b, "id", dev.ID)
	element(&b, "manufacturer", dev.Manufacturer)
	element(&b, "model", dev.Model)
	b.WriteString("</metadata>\n")

	b.WriteString("<trk>\n<trkseg>\n")
	return b.String()
}

// RenderPoint returns one <trkpt> record. Latitude and longitude keep six
// decimals, speed and accuracy four.
func RenderPoint(p Point) string {
	var b strings.Builder

	b.WriteString(`<trkpt lat="`)
	b.WriteString(strconv.FormatFloat(p.Latitude, 'f', 6, 64))
	b.WriteString(`" lon="`)
	b.WriteString(strconv.FormatFloat(p.Longitude, 'f', 6, 64))
	b.WriteString(`">`)

	if p.HasAltitude {
		element(&b, "ele", strconv.FormatFloat(p.Altitude, 'f', 2, 64))
	}
	element(&b, "time", FormatTime(p.Time))
	element(&b, "speed", strconv.FormatFloat(p.Speed, 'f', 4, 64))
	element(&b, "accuracy", strconv.FormatFloat(p.Accuracy, 'f', 4, 64))
	element(&b, "src", p.Source)
	element(&b, "sat", strconv.Itoa(p.SatellitesUsed))

	for i, tag := range signalTags {
		element(&b, tag, strconv.FormatFloat(p.Signals.Signal(i), 'f', 3, 64))
	}
	element(&b, "average", strconv.FormatFloat(p.Signals.Average(), 'f', 3, 64))

	b.WriteString("</trkpt>\n")
	return b.String()
}

// RenderFooter closes the segment and track and records the close time.
func RenderFooter(closed time.Time) string {
	var b strings.Builder
	b.WriteString("</trkseg>\n</trk>\n")
	element(&b, "time", FormatTime(closed))
	b.WriteString("\n</gpx>\n")
	return b.String()
}

var signalTags = [signal.TopK]string{"signal01", "signal02", "signal03", "signal04"}

func element(b *strings.Builder, name, value string) {
	b.WriteString("<" + name + ">")
	escape(b, value)
	b.WriteString("</" + name + ">")
}

func escape(b *strings.Builder, s string) {
	// strings.Builder never fails a write.
	_ = xml.EscapeText(b, []byte(s))
}
